// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// NormalizedSubtype tags the derived message record after subtype repair.
type NormalizedSubtype int

const (
	NormalizedNone NormalizedSubtype = iota
	NormalizedTopicChange
	NormalizedFileComment
	NormalizedEdited
	NormalizedFileShare
)

// Message is the protocol-agnostic record derived from a raw message event.
// Text is only mention-resolved once all subtype-specific user/text repair has
// finished; enrichment is the last step before dispatch.
type Message struct {
	Channel    string
	TeamID     string
	TeamDomain string
	User       string
	Text       string
	TS         string
	Subtype    NormalizedSubtype

	// PreviousTS / PreviousText carry the pre-edit snapshot for edits.
	PreviousTS   string
	PreviousText string

	File *slack.File
}

// Reaction is the normalized record for reaction events.
type Reaction struct {
	Channel    string
	TeamID     string
	TeamDomain string
	User       string
	Name       string
	ItemTS     string
}

// subtypeRule is one entry in the ordered subtype repair chain. Rules are
// evaluated top to bottom and the first match wins. apply returns done=true
// when the event is fully handled (forwarded, redacted or dropped) and the
// pipeline must stop.
type subtypeRule struct {
	name  string
	match func(msg *MessageEvent) bool
	apply func(h *Handler, ctx context.Context, log zerolog.Logger, room *BridgedRoom, msg *MessageEvent, norm *Message) (done bool, err error)
}

var messageSubtypeRules = []subtypeRule{
	{
		name:  "file_comment",
		match: func(msg *MessageEvent) bool { return msg.Subtype == SubtypeFileComment && msg.Comment != nil },
		apply: func(_ *Handler, _ context.Context, _ zerolog.Logger, _ *BridgedRoom, msg *MessageEvent, norm *Message) (bool, error) {
			norm.User = msg.Comment.User
			norm.Text = msg.Comment.Comment
			norm.Subtype = NormalizedFileComment
			return false, nil
		},
	},
	{
		name:  "message_changed",
		match: func(msg *MessageEvent) bool { return msg.Subtype == SubtypeMessageChanged },
		apply: applyMessageChanged,
	},
	{
		name:  "message_deleted",
		match: func(msg *MessageEvent) bool { return msg.Subtype == SubtypeMessageDeleted },
		apply: applyMessageDeleted,
	},
	{
		name:  "message_replied",
		match: func(msg *MessageEvent) bool { return msg.Subtype == SubtypeMessageReplied },
		apply: func(_ *Handler, _ context.Context, log zerolog.Logger, _ *BridgedRoom, msg *MessageEvent, _ *Message) (bool, error) {
			// The same content also arrives as a plain message event, so
			// forwarding here would duplicate it.
			log.Debug().Str("channel_id", msg.Channel).Msg("Skipping message_replied duplicate")
			return true, nil
		},
	},
	{
		name:  "file_share",
		match: func(msg *MessageEvent) bool { return msg.Subtype == SubtypeFileShare },
		apply: func(_ *Handler, _ context.Context, _ zerolog.Logger, _ *BridgedRoom, msg *MessageEvent, norm *Message) (bool, error) {
			norm.Subtype = NormalizedFileShare
			norm.File = msg.File
			return false, nil
		},
	},
}

func applyMessageChanged(h *Handler, ctx context.Context, log zerolog.Logger, room *BridgedRoom, msg *MessageEvent, norm *Message) (bool, error) {
	if msg.Message == nil || msg.PreviousMessage == nil {
		return true, fmt.Errorf("message_changed event missing message bodies")
	}

	if msg.Message.BotID != "" {
		if msg.Message.BotID == room.SlackBotID() {
			// The bridge editing its own relayed message echoes back here.
			log.Debug().Str("bot_id", msg.Message.BotID).Msg("Skipping own edit echo")
			return true, nil
		}
		norm.User = msg.Message.BotID
	} else {
		norm.User = msg.Message.User
	}

	norm.Text = msg.Message.Text
	norm.Subtype = NormalizedEdited
	norm.PreviousTS = msg.PreviousMessage.TS
	norm.PreviousText = msg.PreviousMessage.Text
	norm.TS = msg.Message.TS
	return false, nil
}

// applyMessageDeleted issues a redaction through the bridge's own
// administrative identity. A deletion for a message we never bridged is a
// successful no-op, not a failure.
func applyMessageDeleted(h *Handler, ctx context.Context, log zerolog.Logger, _ *BridgedRoom, msg *MessageEvent, _ *Message) (bool, error) {
	rec, err := h.store.GetBridgedMessage(ctx, msg.Channel, msg.DeletedTS)
	if errors.Is(err, ErrNotFound) {
		log.Debug().
			Str("channel_id", msg.Channel).
			Str("slack_ts", msg.DeletedTS).
			Msg("No bridged message to redact")
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("failed to look up bridged message: %w", err)
	}

	if err := h.matrix.RedactAsBot(ctx, rec.MatrixRoomID, rec.EventID); err != nil {
		return true, fmt.Errorf("failed to redact deleted message: %w", err)
	}
	log.Info().
		Str("channel_id", msg.Channel).
		Str("slack_ts", msg.DeletedTS).
		Msg("Redacted deleted message")
	return true, nil
}

// handleMessage turns a raw message event into at most one forwarding call on
// the resolved room.
func (h *Handler) handleMessage(ctx context.Context, log zerolog.Logger, teamID string, msg *MessageEvent) error {
	room := h.registry.ByChannel(msg.Channel)
	if room == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel)
	}

	// Loop prevention: a bot_message from our own relay bot (or from any bot
	// when we don't know ours yet) is the bridge's echo and must not bounce
	// back into Matrix.
	if msg.Subtype == SubtypeBotMessage && (room.SlackBotID() == "" || msg.BotID == room.SlackBotID()) {
		log.Debug().
			Str("channel_id", msg.Channel).
			Str("bot_id", msg.BotID).
			Msg("Skipping own bot message echo")
		return nil
	}

	h.sink.IncrementCounter(MetricReceivedMessages, map[string]string{"side": "remote"})

	norm := &Message{
		Channel:    msg.Channel,
		TeamID:     teamID,
		TeamDomain: resolveTeamDomain(room, teamID),
		User:       resolveActor(msg.User, msg.BotID),
		Text:       msg.Text,
		TS:         msg.TS,
	}

	// Without a privileged token there is no enrichment, file access or
	// edit/delete resolution: forward as-is. A deliberate fallback.
	token := room.AccessToken()
	if token == "" {
		return room.ForwardMessage(ctx, norm, nil)
	}

	if msg.Subtype == SubtypeChannelTopic || msg.Subtype == SubtypeGroupTopic {
		norm.Subtype = NormalizedTopicChange
		norm.Text = msg.Topic
		return room.ForwardTopicChange(ctx, norm)
	}

	// Only the first attachment's fallback text is used. Documented existing
	// behavior, kept as-is.
	if len(msg.Attachments) > 0 {
		text := msg.Attachments[0].Fallback
		if text == "" {
			log.Debug().Str("channel_id", msg.Channel).Msg("Skipping attachment with empty fallback text")
			return nil
		}
		norm.Text = h.mentions.Resolve(ctx, text, token)
		return room.ForwardMessage(ctx, norm, nil)
	}

	for _, rule := range messageSubtypeRules {
		if !rule.match(msg) {
			continue
		}
		done, err := rule.apply(h, ctx, log, room, msg, norm)
		if done || err != nil {
			return err
		}
		break
	}

	// Some subtype paths can reach this point on rooms that lost their token
	// since the first check; degrade the same way.
	if room.AccessToken() == "" {
		return room.ForwardMessage(ctx, norm, nil)
	}

	var content []byte
	if norm.Subtype == NormalizedFileShare && norm.File != nil {
		content = h.fetchFileContent(ctx, log, norm.File, token)
	}

	norm.Text = h.mentions.Resolve(ctx, norm.Text, token)
	if norm.PreviousText != "" {
		norm.PreviousText = h.mentions.Resolve(ctx, norm.PreviousText, token)
	}

	return room.ForwardMessage(ctx, norm, content)
}

// fetchFileContent makes the file publicly fetchable and downloads its bytes.
// Every failure is swallowed: the message degrades to text-only rather than
// failing outright.
func (h *Handler) fetchFileContent(ctx context.Context, log zerolog.Logger, file *slack.File, token string) []byte {
	shared, err := h.files.MakePublic(ctx, file, token)
	if err != nil {
		log.Warn().Err(err).Str("file_id", file.ID).Msg("Failed to enable public file link")
		return nil
	}
	content, err := h.files.Download(ctx, shared, token)
	if err != nil {
		log.Warn().Err(err).Str("file_id", file.ID).Msg("Failed to download file content")
		return nil
	}
	return content
}
