// Copyright 2024-2026 Aiku AI

package bridge

import (
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// maxEventBody caps inbound webhook bodies (1 MB).
const maxEventBody = 1 << 20

// EventEndpoint is the HTTP entry point for Slack event deliveries. The
// handler acknowledges within Slack's re-delivery window; request signature
// verification happens before the ack because an unauthenticated request is
// not an event we take ownership of.
type EventEndpoint struct {
	handler       *Handler
	signingSecret string
	log           zerolog.Logger
}

func NewEventEndpoint(handler *Handler, signingSecret string, log zerolog.Logger) *EventEndpoint {
	return &EventEndpoint{
		handler:       handler,
		signingSecret: signingSecret,
		log:           log.With().Str("component", "event_endpoint").Logger(),
	}
}

func (e *EventEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if e.signingSecret != "" {
		if err := verifySignature(r.Header, e.signingSecret, body); err != nil {
			e.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected unsigned event delivery")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	raw, teamID, err := ParseRawEvent(body)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to parse event delivery")
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	e.handler.HandleEvent(teamID, raw, func(status int, respBody []byte, headers map[string]string) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		if len(respBody) > 0 {
			if _, err := w.Write(respBody); err != nil {
				e.log.Warn().Err(err).Msg("Failed to write ack body")
			}
		}
	})
}

func verifySignature(header http.Header, secret string, body []byte) error {
	verifier, err := slack.NewSecretsVerifier(header, secret)
	if err != nil {
		return err
	}
	if _, err := verifier.Write(body); err != nil {
		return err
	}
	return verifier.Ensure()
}
