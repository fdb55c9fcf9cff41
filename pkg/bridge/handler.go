// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Metric names recorded through the Sink.
const (
	// MetricRemoteEventSeconds is the per-event processing timer, labeled
	// with the final outcome.
	MetricRemoteEventSeconds = "remote_event_seconds"
	// MetricReceivedMessages is the canonical inbound-traffic counter. It is
	// incremented exactly once per inbound message that passes echo
	// suppression, and once per event dropped for an unknown channel.
	MetricReceivedMessages = "received_messages"
)

// ErrUnknownChannel is returned by handlers when no bridged room resolves for
// the event's channel. The classifier maps it to a dropped outcome instead of
// a failure.
var ErrUnknownChannel = errors.New("unknown channel")

// Outcome statuses.
type Status int

const (
	StatusSuccess Status = iota
	StatusDropped
	StatusFail
)

// Drop reasons.
const (
	ReasonUnknownChannel = "unknown_channel"
	ReasonUnknownEvent   = "unknown_event"
)

// Outcome is the three-way result of processing a single event.
type Outcome struct {
	Status Status
	Reason string
	Err    error
}

func Success() Outcome              { return Outcome{Status: StatusSuccess} }
func Dropped(reason string) Outcome { return Outcome{Status: StatusDropped, Reason: reason} }
func Failed(err error) Outcome      { return Outcome{Status: StatusFail, Err: err} }

// Label returns the outcome as a metric label value.
func (o Outcome) Label() string {
	switch o.Status {
	case StatusSuccess:
		return "success"
	case StatusDropped:
		return "dropped"
	default:
		return "fail"
	}
}

// Sink receives timing and counter observations. The production
// implementation lives in pkg/metrics; tests inject a recording mock.
type Sink interface {
	StartTimer(name string) func(outcome string)
	IncrementCounter(name string, labels map[string]string)
}

// Datastore is the persistence surface the event handler needs: room upserts
// after metadata mutation and the bridged-message mapping used for deletions,
// edits and reactions.
type Datastore interface {
	GetAllRooms(ctx context.Context) ([]*Room, error)
	UpsertRoom(ctx context.Context, room *Room) error
	InsertBridgedMessage(ctx context.Context, msg *BridgedMessage) error
	GetBridgedMessage(ctx context.Context, channelID, slackTS string) (*BridgedMessage, error)
}

// MentionResolver substitutes raw Slack mention tokens with display text.
// Implementations return the input unchanged on failure.
type MentionResolver interface {
	Resolve(ctx context.Context, text, accessToken string) string
}

// RespondFunc acknowledges the webhook delivery. It is invoked exactly once
// per inbound event, before any asynchronous work. Nil body and headers mean
// an empty ack.
type RespondFunc func(status int, body []byte, headers map[string]string)

// Handler is the inbound event classifier and normalizer. It acknowledges
// each delivery within Slack's re-delivery window, then classifies,
// normalizes and routes the event to the bridged room it belongs to.
type Handler struct {
	registry *Registry
	store    Datastore
	matrix   MatrixAPI
	mentions MentionResolver
	files    FileGateway
	sink     Sink
	log      zerolog.Logger

	typingTimeout time.Duration

	wg sync.WaitGroup
}

// HandlerOpts collects the collaborators injected into a Handler. All fields
// are required except TypingTimeout, which defaults to 5 seconds.
type HandlerOpts struct {
	Registry      *Registry
	Store         Datastore
	Matrix        MatrixAPI
	Mentions      MentionResolver
	Files         FileGateway
	Sink          Sink
	Log           zerolog.Logger
	TypingTimeout time.Duration
}

func NewHandler(opts HandlerOpts) *Handler {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = 5 * time.Second
	}
	return &Handler{
		registry:      opts.Registry,
		store:         opts.Store,
		matrix:        opts.Matrix,
		mentions:      opts.Mentions,
		files:         opts.Files,
		sink:          opts.Sink,
		log:           opts.Log.With().Str("component", "event_handler").Logger(),
		typingTimeout: opts.TypingTimeout,
	}
}

// HandleEvent acknowledges the delivery and schedules processing. The ack is
// sent before any downstream call so Slack never re-delivers an event we have
// already taken ownership of; processing failures are observable only through
// logs and metrics. The url_verification handshake is the one synchronous
// path: it echoes the challenge token and performs no further processing.
func (h *Handler) HandleEvent(teamID string, raw *RawEvent, respond RespondFunc) {
	if raw.Kind == KindURLVerification {
		body, err := json.Marshal(map[string]string{"challenge": raw.Challenge})
		if err != nil {
			// Marshalling a string map cannot realistically fail, but the
			// handshake must still answer something.
			respond(http.StatusOK, nil, nil)
			return
		}
		respond(http.StatusOK, body, map[string]string{"Content-Type": "application/json"})
		return
	}

	respond(http.StatusOK, nil, nil)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.Process(context.Background(), teamID, raw)
	}()
}

// Wait blocks until all in-flight event goroutines have finished. Used during
// shutdown and by tests.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Process classifies and routes one already-acknowledged event, recording
// exactly one outcome. It never lets a failure escape: errors and panics are
// logged and absorbed here.
func (h *Handler) Process(ctx context.Context, teamID string, raw *RawEvent) Outcome {
	log := h.log.With().
		Str("delivery_id", uuid.NewString()).
		Str("team_id", teamID).
		Str("event_type", raw.Type).
		Logger()

	endTimer := h.sink.StartTimer(MetricRemoteEventSeconds)
	outcome := h.dispatch(ctx, log, teamID, raw)

	switch {
	case outcome.Status == StatusDropped && outcome.Reason == ReasonUnknownChannel:
		log.Warn().
			Str("channel_id", raw.ChannelID()).
			Msg("Ignoring event for unknown channel")
		// Unknown-channel drops still count as attempted inbound traffic.
		h.sink.IncrementCounter(MetricReceivedMessages, map[string]string{"side": "remote"})
	case outcome.Status == StatusDropped:
		log.Debug().Str("reason", outcome.Reason).Msg("Dropped event")
	case outcome.Status == StatusFail:
		log.Error().Err(outcome.Err).Msg("Failed to process event")
	}

	endTimer(outcome.Label())
	return outcome
}

// dispatch routes strictly by event kind and converts the per-branch error
// into an Outcome. A recover guard turns unexpected panics into failures so
// the webhook endpoint can never surface a 5xx for an acknowledged event.
func (h *Handler) dispatch(ctx context.Context, log zerolog.Logger, teamID string, raw *RawEvent) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(fmt.Errorf("panic while processing %s event: %v", raw.Type, r))
		}
	}()

	var err error
	switch raw.Kind {
	case KindMessage:
		err = h.handleMessage(ctx, log, teamID, raw.Message)
	case KindReactionAdded:
		err = h.handleReaction(ctx, log, teamID, raw.Reaction, true)
	case KindReactionRemoved:
		err = h.handleReaction(ctx, log, teamID, raw.Reaction, false)
	case KindChannelRename:
		err = h.handleChannelRename(ctx, log, raw.Rename)
	case KindTeamDomainChange:
		err = h.handleTeamDomainChange(ctx, log, teamID, raw.DomainChange)
	case KindUserTyping:
		err = h.handleTyping(ctx, log, teamID, raw.Typing)
	default:
		return Dropped(ReasonUnknownEvent)
	}

	switch {
	case errors.Is(err, ErrUnknownChannel):
		return Dropped(ReasonUnknownChannel)
	case err != nil:
		return Failed(err)
	default:
		return Success()
	}
}

// handleReaction normalizes both reaction directions into the same shape, but
// only reaction_added is forwarded. Removal is parsed and then discarded, a
// documented limitation of the source behavior.
func (h *Handler) handleReaction(ctx context.Context, log zerolog.Logger, teamID string, ev *ReactionWireEvent, added bool) error {
	room := h.registry.ByChannel(ev.Item.Channel)
	if room == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ev.Item.Channel)
	}

	reaction := &Reaction{
		Channel:    ev.Item.Channel,
		TeamID:     teamID,
		TeamDomain: resolveTeamDomain(room, teamID),
		User:       resolveActor(ev.User, ev.BotID),
		Name:       ev.Reaction,
		ItemTS:     ev.Item.TS,
	}

	if !added {
		log.Debug().
			Str("channel_id", reaction.Channel).
			Str("reaction", reaction.Name).
			Msg("Reaction removal is not forwarded")
		return nil
	}

	return room.ForwardReactionAdded(ctx, reaction)
}

// handleChannelRename recomputes the room's display name and persists the
// room only if the rename actually changed it.
func (h *Handler) handleChannelRename(ctx context.Context, log zerolog.Logger, ev *ChannelRenameEvent) error {
	room := h.registry.ByChannel(ev.Channel.ID)
	if room == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ev.Channel.ID)
	}

	room.SetName(fmt.Sprintf("%s.#%s", room.TeamDomain(), ev.Channel.Name))
	if room.IsDirty() {
		if err := h.store.UpsertRoom(ctx, room.Record()); err != nil {
			return fmt.Errorf("failed to persist renamed room: %w", err)
		}
		room.MarkClean()
		log.Info().
			Str("channel_id", ev.Channel.ID).
			Str("name", room.Name()).
			Msg("Updated channel name")
	}
	return nil
}

// handleTeamDomainChange fans out over every room of the team. Updates are
// independent: each is attempted even if another fails or is slow, and the
// first error (if any) decides the outcome.
func (h *Handler) handleTeamDomainChange(ctx context.Context, log zerolog.Logger, teamID string, ev *TeamDomainChangeEvent) error {
	rooms := h.registry.ByTeam(teamID)
	log.Info().
		Str("domain", ev.Domain).
		Int("rooms", len(rooms)).
		Msg("Applying team domain change")

	var wg sync.WaitGroup
	errs := make(chan error, len(rooms))
	for _, room := range rooms {
		wg.Add(1)
		go func(room *BridgedRoom) {
			defer wg.Done()
			room.SetTeamDomain(ev.Domain)
			if !room.IsDirty() {
				return
			}
			if err := h.store.UpsertRoom(ctx, room.Record()); err != nil {
				log.Error().Err(err).
					Str("channel_id", room.ChannelID()).
					Msg("Failed to persist domain change")
				errs <- err
				return
			}
			room.MarkClean()
		}(room)
	}
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return fmt.Errorf("failed to persist domain change: %w", err)
	}
	return nil
}

func (h *Handler) handleTyping(ctx context.Context, _ zerolog.Logger, teamID string, ev *UserTypingEvent) error {
	room := h.registry.ByChannel(ev.Channel)
	if room == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ev.Channel)
	}

	msg := &Message{
		Channel:    ev.Channel,
		TeamID:     teamID,
		TeamDomain: resolveTeamDomain(room, teamID),
		User:       ev.User,
	}
	return room.ForwardTyping(ctx, msg, h.typingTimeout)
}

// resolveTeamDomain prefers the room's known team domain and falls back to
// the raw team identifier.
func resolveTeamDomain(room *BridgedRoom, teamID string) string {
	if d := room.TeamDomain(); d != "" {
		return d
	}
	return teamID
}

// resolveActor prefers the human user identifier and falls back to the acting
// bot identifier when no human is present.
func resolveActor(userID, botID string) string {
	if userID != "" {
		return userID
	}
	return botID
}
