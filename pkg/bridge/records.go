// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"

	"maunium.net/go/mautrix/id"
)

// ErrNotFound is returned by Datastore lookups with no matching record.
var ErrNotFound = errors.New("not found")

// Room is the persisted state of one bridged conversation.
type Room struct {
	ChannelID  string
	TeamID     string
	TeamDomain string
	// SlackBotID is the bridge-owned relay bot in this channel, used for
	// echo suppression. Empty until the first relayed message reveals it.
	SlackBotID string
	// AccessToken is the privileged Slack API token for this conversation.
	// Empty means degraded capability: no enrichment or file access.
	AccessToken  string
	Name         string
	MatrixRoomID id.RoomID
}

// BridgedMessage maps a Slack message (channel + timestamp) to the Matrix
// event it was bridged as.
type BridgedMessage struct {
	ChannelID    string
	SlackTS      string
	MatrixRoomID id.RoomID
	EventID      id.EventID
}
