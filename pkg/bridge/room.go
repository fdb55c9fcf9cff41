// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixAPI is the destination-protocol surface a bridged room needs. The
// production implementation drives appservice intents; tests inject a mock.
type MatrixAPI interface {
	SendMessage(ctx context.Context, roomID id.RoomID, slackUserID string, content *event.MessageEventContent) (id.EventID, error)
	SendTopic(ctx context.Context, roomID id.RoomID, slackUserID, topic string) error
	SendReaction(ctx context.Context, roomID id.RoomID, slackUserID string, target id.EventID, key string) (id.EventID, error)
	SendTyping(ctx context.Context, roomID id.RoomID, slackUserID string, timeout time.Duration) error
	RedactAsBot(ctx context.Context, roomID id.RoomID, target id.EventID) error
	UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error)
}

// BridgedRoom owns forwarding of normalized records for one Slack channel
// into its Matrix room. Metadata fields may be mutated concurrently by
// rename/domain-change handling; last write wins.
type BridgedRoom struct {
	mu           sync.RWMutex
	channelID    string
	teamID       string
	teamDomain   string
	slackBotID   string
	accessToken  string
	name         string
	matrixRoomID id.RoomID
	dirty        bool

	matrix MatrixAPI
	store  Datastore
	log    zerolog.Logger
}

// NewBridgedRoom builds a room unit from its persisted record.
func NewBridgedRoom(rec *Room, matrix MatrixAPI, store Datastore, log zerolog.Logger) *BridgedRoom {
	return &BridgedRoom{
		channelID:    rec.ChannelID,
		teamID:       rec.TeamID,
		teamDomain:   rec.TeamDomain,
		slackBotID:   rec.SlackBotID,
		accessToken:  rec.AccessToken,
		name:         rec.Name,
		matrixRoomID: rec.MatrixRoomID,
		matrix:       matrix,
		store:        store,
		log:          log.With().Str("component", "bridged_room").Str("channel_id", rec.ChannelID).Logger(),
	}
}

func (r *BridgedRoom) ChannelID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelID
}

func (r *BridgedRoom) TeamID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.teamID
}

func (r *BridgedRoom) TeamDomain() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.teamDomain
}

func (r *BridgedRoom) SlackBotID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slackBotID
}

func (r *BridgedRoom) AccessToken() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessToken
}

func (r *BridgedRoom) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

func (r *BridgedRoom) MatrixRoomID() id.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matrixRoomID
}

// SetTeamDomain updates the team domain, marking the room dirty only when the
// value actually changes.
func (r *BridgedRoom) SetTeamDomain(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.teamDomain != domain {
		r.teamDomain = domain
		r.dirty = true
	}
}

// SetName updates the display name, marking the room dirty on change.
func (r *BridgedRoom) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.name != name {
		r.name = name
		r.dirty = true
	}
}

// IsDirty reports whether the room has unpersisted metadata changes.
func (r *BridgedRoom) IsDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// MarkClean clears the dirty flag after a successful persist.
func (r *BridgedRoom) MarkClean() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = false
}

// Record returns a snapshot of the room's persistable state.
func (r *BridgedRoom) Record() *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Room{
		ChannelID:    r.channelID,
		TeamID:       r.teamID,
		TeamDomain:   r.teamDomain,
		SlackBotID:   r.slackBotID,
		AccessToken:  r.accessToken,
		Name:         r.name,
		MatrixRoomID: r.matrixRoomID,
	}
}

// ForwardMessage relays a normalized message into the Matrix room. Edits are
// sent as replacements when the original event is known; the bridged-message
// mapping is recorded after every new send so later deletions and reactions
// can resolve it.
func (r *BridgedRoom) ForwardMessage(ctx context.Context, msg *Message, content []byte) error {
	roomID := r.MatrixRoomID()

	if msg.Subtype == NormalizedEdited && msg.PreviousTS != "" {
		if target, err := r.store.GetBridgedMessage(ctx, msg.Channel, msg.PreviousTS); err == nil {
			return r.sendEdit(ctx, roomID, msg, target.EventID)
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to look up edited message: %w", err)
		}
		// Original never bridged (or delivered out of order): degrade to a
		// plain message.
	}

	if msg.Text != "" {
		evtID, err := r.matrix.SendMessage(ctx, roomID, msg.User, &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    msg.Text,
		})
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		r.rememberBridgedMessage(ctx, msg, evtID)
	}

	if len(content) > 0 && msg.File != nil {
		if err := r.sendFile(ctx, roomID, msg, content); err != nil {
			return err
		}
	}
	return nil
}

func (r *BridgedRoom) sendEdit(ctx context.Context, roomID id.RoomID, msg *Message, target id.EventID) error {
	body := msg.Text
	editContent := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	editContent.SetEdit(target)
	if _, err := r.matrix.SendMessage(ctx, roomID, msg.User, editContent); err != nil {
		return fmt.Errorf("failed to send edit: %w", err)
	}
	return nil
}

func (r *BridgedRoom) sendFile(ctx context.Context, roomID id.RoomID, msg *Message, content []byte) error {
	uri, err := r.matrix.UploadMedia(ctx, content, msg.File.Mimetype, msg.File.Name)
	if err != nil {
		return fmt.Errorf("failed to upload file content: %w", err)
	}

	evtID, err := r.matrix.SendMessage(ctx, roomID, msg.User, &event.MessageEventContent{
		MsgType: msgTypeForMime(msg.File.Mimetype),
		Body:    msg.File.Name,
		URL:     uri,
		Info: &event.FileInfo{
			MimeType: msg.File.Mimetype,
			Size:     msg.File.Size,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send file message: %w", err)
	}
	r.rememberBridgedMessage(ctx, msg, evtID)
	return nil
}

// rememberBridgedMessage records the Slack-to-Matrix event mapping. Failure
// here only costs later edit/delete resolution, so it is logged, not fatal.
func (r *BridgedRoom) rememberBridgedMessage(ctx context.Context, msg *Message, evtID id.EventID) {
	if msg.TS == "" {
		return
	}
	err := r.store.InsertBridgedMessage(ctx, &BridgedMessage{
		ChannelID:    msg.Channel,
		SlackTS:      msg.TS,
		MatrixRoomID: r.MatrixRoomID(),
		EventID:      evtID,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("slack_ts", msg.TS).Msg("Failed to record bridged message")
	}
}

// ForwardTopicChange relays a topic change as a room topic state event.
func (r *BridgedRoom) ForwardTopicChange(ctx context.Context, msg *Message) error {
	if err := r.matrix.SendTopic(ctx, r.MatrixRoomID(), msg.User, msg.Text); err != nil {
		return fmt.Errorf("failed to set topic: %w", err)
	}
	return nil
}

// ForwardReactionAdded relays a reaction as an annotation on the bridged
// target event. A reaction to a message we never bridged is skipped.
func (r *BridgedRoom) ForwardReactionAdded(ctx context.Context, reaction *Reaction) error {
	target, err := r.store.GetBridgedMessage(ctx, reaction.Channel, reaction.ItemTS)
	if errors.Is(err, ErrNotFound) {
		r.log.Debug().
			Str("slack_ts", reaction.ItemTS).
			Str("reaction", reaction.Name).
			Msg("Reaction target was never bridged")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up reaction target: %w", err)
	}

	_, err = r.matrix.SendReaction(ctx, target.MatrixRoomID, reaction.User, target.EventID, emojiFromName(reaction.Name))
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return nil
}

// ForwardTyping relays a typing indicator for the acting user.
func (r *BridgedRoom) ForwardTyping(ctx context.Context, msg *Message, timeout time.Duration) error {
	if err := r.matrix.SendTyping(ctx, r.MatrixRoomID(), msg.User, timeout); err != nil {
		return fmt.Errorf("failed to send typing indicator: %w", err)
	}
	return nil
}

// msgTypeForMime picks the Matrix message type for a file's MIME type.
func msgTypeForMime(mimeType string) event.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}
