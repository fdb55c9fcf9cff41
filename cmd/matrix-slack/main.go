// Copyright 2024-2026 Aiku AI

// Command matrix-slack is a Slack to Matrix application service bridge. It
// receives Slack event deliveries over a webhook, normalizes them and relays
// them into Matrix rooms through per-user ghost intents.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/matrix-slack/pkg/bridge"
	"github.com/aiku/matrix-slack/pkg/datastore"
	"github.com/aiku/matrix-slack/pkg/metrics"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the bridge config file")
	genRegistration := flag.Bool("generate-registration", false, "generate the appservice registration file and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("matrix-slack %s (%s) built %s\n", Tag, Commit, BuildTime)
		return
	}

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := setupLogger(cfg)

	if *genRegistration {
		if err := generateRegistration(cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to generate registration")
		}
		log.Info().Str("path", cfg.AppService.RegistrationPath).Msg("Wrote registration")
		return
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

func setupLogger(cfg *bridge.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Logging.Console {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Logger()
}

// generateRegistration writes the appservice registration the homeserver
// needs, reserving the ghost user namespace exclusively.
func generateRegistration(cfg *bridge.Config) error {
	reg := appservice.CreateRegistration()
	reg.ID = cfg.AppService.ID
	reg.URL = cfg.AppService.URL
	reg.SenderLocalpart = cfg.AppService.BotLocalpart
	reg.RateLimited = ptr.Ptr(false)

	pattern := fmt.Sprintf("^@%s.+:%s$",
		regexp.QuoteMeta(cfg.AppService.GhostPrefix),
		regexp.QuoteMeta(cfg.Homeserver.Domain))
	reg.Namespaces.UserIDs.Register(regexp.MustCompile(pattern), true)

	return reg.Save(cfg.AppService.RegistrationPath)
}

func run(cfg *bridge.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := datastore.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer store.Close()

	reg, err := appservice.LoadRegistration(cfg.AppService.RegistrationPath)
	if err != nil {
		return fmt.Errorf("failed to load registration: %w", err)
	}

	as := appservice.Create()
	as.Registration = reg
	as.HomeserverDomain = cfg.Homeserver.Domain
	as.Log = log.With().Str("component", "appservice").Logger()
	if err := as.SetHomeserverURL(cfg.Homeserver.URL); err != nil {
		return fmt.Errorf("failed to set homeserver URL: %w", err)
	}

	matrix := bridge.NewAppServiceAPI(as, cfg.Homeserver.Domain, cfg.AppService.GhostPrefix, log)

	registry := bridge.NewRegistry()
	if err := registry.Load(ctx, store, matrix, log); err != nil {
		return err
	}

	pool := bridge.NewSlackClientPool()
	collector := metrics.NewCollector()

	handler := bridge.NewHandler(bridge.HandlerOpts{
		Registry:      registry,
		Store:         store,
		Matrix:        matrix,
		Mentions:      bridge.NewSlackMentionResolver(pool, log),
		Files:         bridge.NewSlackFileGateway(pool, log),
		Sink:          collector,
		Log:           log,
		TypingTimeout: time.Duration(cfg.TypingTimeout) * time.Second,
	})

	mux := http.NewServeMux()
	mux.Handle("/slack/events", bridge.NewEventEndpoint(handler, cfg.Slack.SigningSecret, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         cfg.AppService.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.AppService.ListenAddr).Msg("Starting event listener")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.ListenAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", collector)
		metricsServer = &http.Server{
			Addr:        cfg.Metrics.ListenAddr,
			Handler:     metricsMux,
			ReadTimeout: 10 * time.Second,
			IdleTimeout: 60 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("Starting metrics listener")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("listener failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Event listener shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics listener shutdown failed")
		}
	}

	// Let already-acknowledged events finish before closing the datastore.
	handler.Wait()
	return nil
}
