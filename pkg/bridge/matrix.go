// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// AppServiceAPI implements MatrixAPI on top of a Matrix application service:
// each Slack user is represented by a ghost intent, and administrative
// operations (redactions, media uploads) go through the bridge bot.
type AppServiceAPI struct {
	as          *appservice.AppService
	domain      string
	ghostPrefix string
	log         zerolog.Logger
}

var _ MatrixAPI = (*AppServiceAPI)(nil)

// NewAppServiceAPI wraps an appservice. ghostPrefix is the localpart prefix
// for ghost users, e.g. "slack_" yielding @slack_u012abc:domain.
func NewAppServiceAPI(as *appservice.AppService, domain, ghostPrefix string, log zerolog.Logger) *AppServiceAPI {
	return &AppServiceAPI{
		as:          as,
		domain:      domain,
		ghostPrefix: ghostPrefix,
		log:         log.With().Str("component", "matrix_api").Logger(),
	}
}

// GhostMXID computes the Matrix user ID representing a Slack user.
func (a *AppServiceAPI) GhostMXID(slackUserID string) id.UserID {
	return id.NewUserID(a.ghostPrefix+strings.ToLower(slackUserID), a.domain)
}

// ghostIntent returns the intent acting as the given Slack user, or the
// bridge bot when no user is known.
func (a *AppServiceAPI) ghostIntent(ctx context.Context, roomID id.RoomID, slackUserID string) (*appservice.IntentAPI, error) {
	if slackUserID == "" {
		return a.as.BotIntent(), nil
	}
	intent := a.as.Intent(a.GhostMXID(slackUserID))
	if err := intent.EnsureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("failed to register ghost %s: %w", slackUserID, err)
	}
	if roomID != "" {
		if err := intent.EnsureJoined(ctx, roomID); err != nil {
			return nil, fmt.Errorf("failed to join ghost %s to %s: %w", slackUserID, roomID, err)
		}
	}
	return intent, nil
}

func (a *AppServiceAPI) SendMessage(ctx context.Context, roomID id.RoomID, slackUserID string, content *event.MessageEventContent) (id.EventID, error) {
	intent, err := a.ghostIntent(ctx, roomID, slackUserID)
	if err != nil {
		return "", err
	}
	resp, err := intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("failed to send message event: %w", err)
	}
	return resp.EventID, nil
}

func (a *AppServiceAPI) SendTopic(ctx context.Context, roomID id.RoomID, slackUserID, topic string) error {
	intent, err := a.ghostIntent(ctx, roomID, slackUserID)
	if err != nil {
		return err
	}
	_, err = intent.SendStateEvent(ctx, roomID, event.StateTopic, "", &event.TopicEventContent{Topic: topic})
	if err != nil {
		return fmt.Errorf("failed to send topic state event: %w", err)
	}
	return nil
}

func (a *AppServiceAPI) SendReaction(ctx context.Context, roomID id.RoomID, slackUserID string, target id.EventID, key string) (id.EventID, error) {
	intent, err := a.ghostIntent(ctx, roomID, slackUserID)
	if err != nil {
		return "", err
	}
	resp, err := intent.SendMessageEvent(ctx, roomID, event.EventReaction, &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target,
			Key:     key,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to send reaction event: %w", err)
	}
	return resp.EventID, nil
}

func (a *AppServiceAPI) SendTyping(ctx context.Context, roomID id.RoomID, slackUserID string, timeout time.Duration) error {
	intent, err := a.ghostIntent(ctx, roomID, slackUserID)
	if err != nil {
		return err
	}
	if _, err := intent.UserTyping(ctx, roomID, true, timeout); err != nil {
		return fmt.Errorf("failed to send typing notification: %w", err)
	}
	return nil
}

// RedactAsBot removes an event using the bridge's own administrative
// identity. Used for deletions originating on the Slack side.
func (a *AppServiceAPI) RedactAsBot(ctx context.Context, roomID id.RoomID, target id.EventID) error {
	if _, err := a.as.BotIntent().RedactEvent(ctx, roomID, target); err != nil {
		return fmt.Errorf("failed to redact event: %w", err)
	}
	return nil
}

func (a *AppServiceAPI) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error) {
	if fileName == "" {
		fileName = "file" + exmime.ExtensionFromMimetype(mimeType)
	}
	resp, err := a.as.BotIntent().UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     fileName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	return resp.ContentURI.CUString(), nil
}
