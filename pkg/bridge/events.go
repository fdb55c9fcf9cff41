// Copyright 2024-2026 Aiku AI

package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"
)

// EventKind identifies the closed set of Slack event kinds the bridge
// understands. Anything outside this set parses as KindUnrecognized and is
// dropped by the classifier.
type EventKind int

const (
	KindUnrecognized EventKind = iota
	KindMessage
	KindReactionAdded
	KindReactionRemoved
	KindChannelRename
	KindTeamDomainChange
	KindUserTyping
	KindURLVerification
)

func (k EventKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindReactionAdded:
		return "reaction_added"
	case KindReactionRemoved:
		return "reaction_removed"
	case KindChannelRename:
		return "channel_rename"
	case KindTeamDomainChange:
		return "team_domain_change"
	case KindUserTyping:
		return "user_typing"
	case KindURLVerification:
		return "url_verification"
	default:
		return "unrecognized"
	}
}

// Message subtypes with special handling in the normalization pipeline.
const (
	SubtypeBotMessage     = "bot_message"
	SubtypeChannelTopic   = "channel_topic"
	SubtypeGroupTopic     = "group_topic"
	SubtypeFileComment    = "file_comment"
	SubtypeMessageChanged = "message_changed"
	SubtypeMessageDeleted = "message_deleted"
	SubtypeMessageReplied = "message_replied"
	SubtypeFileShare      = "file_share"
)

// RawEvent is one inbound Slack event, parsed but not yet normalized.
// Exactly one payload pointer is set, matching Kind. RawEvents are never
// mutated after parsing; normalization builds derived records instead.
type RawEvent struct {
	Kind EventKind
	// Type is the wire type string as received, kept for logging.
	Type string
	// Challenge is only set for KindURLVerification.
	Challenge string

	Message      *MessageEvent
	Reaction     *ReactionWireEvent
	Rename       *ChannelRenameEvent
	DomainChange *TeamDomainChangeEvent
	Typing       *UserTypingEvent
}

// NestedMessage is the message body carried inside message_changed events
// (both the edited and the previous snapshot).
type NestedMessage struct {
	User  string `json:"user"`
	BotID string `json:"bot_id"`
	Text  string `json:"text"`
	TS    string `json:"ts"`
}

// MessageComment is the comment body carried by file_comment events.
type MessageComment struct {
	User    string `json:"user"`
	Comment string `json:"comment"`
}

// MessageEvent is the wire shape of a Slack message event, covering the
// subtype-specific fields the normalizer cares about.
type MessageEvent struct {
	Channel     string             `json:"channel"`
	User        string             `json:"user"`
	BotID       string             `json:"bot_id"`
	Text        string             `json:"text"`
	TS          string             `json:"ts"`
	ThreadTS    string             `json:"thread_ts"`
	Subtype     string             `json:"subtype"`
	Topic       string             `json:"topic"`
	Attachments []slack.Attachment `json:"attachments"`
	File        *slack.File        `json:"file"`
	Comment     *MessageComment    `json:"comment"`

	// Message and PreviousMessage are set for message_changed.
	Message         *NestedMessage `json:"message"`
	PreviousMessage *NestedMessage `json:"previous_message"`
	// DeletedTS is set for message_deleted.
	DeletedTS string `json:"deleted_ts"`
}

// ReactionItem locates the message a reaction targets. Reactions nest their
// channel here rather than in the event's own channel field.
type ReactionItem struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// ReactionWireEvent is the wire shape of reaction_added / reaction_removed.
type ReactionWireEvent struct {
	User     string       `json:"user"`
	BotID    string       `json:"bot_id"`
	Reaction string       `json:"reaction"`
	ItemUser string       `json:"item_user"`
	Item     ReactionItem `json:"item"`
	EventTS  string       `json:"event_ts"`
}

// ChannelRenameEvent is the wire shape of channel_rename.
type ChannelRenameEvent struct {
	Channel struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Created int64  `json:"created"`
	} `json:"channel"`
}

// TeamDomainChangeEvent is the wire shape of team_domain_change. The team it
// applies to comes from the delivery envelope, not the event body.
type TeamDomainChangeEvent struct {
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

// UserTypingEvent is the wire shape of user_typing.
type UserTypingEvent struct {
	Channel string `json:"channel"`
	User    string `json:"user"`
}

// envelope is the outer Events API delivery wrapper. RTM-style deliveries put
// the event type at the top level instead; ParseRawEvent accepts both.
type envelope struct {
	Type      string          `json:"type"`
	Token     string          `json:"token"`
	TeamID    string          `json:"team_id"`
	Challenge string          `json:"challenge"`
	Event     json.RawMessage `json:"event"`
}

// ParseRawEvent parses one inbound delivery into a RawEvent plus the team it
// belongs to. Unknown event types parse successfully as KindUnrecognized so
// the classifier can account for them as drops.
func ParseRawEvent(body []byte) (*RawEvent, string, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}

	if env.Type == "url_verification" {
		return &RawEvent{
			Kind:      KindURLVerification,
			Type:      env.Type,
			Challenge: env.Challenge,
		}, env.TeamID, nil
	}

	inner := body
	if env.Type == "event_callback" {
		if len(env.Event) == 0 {
			return nil, env.TeamID, fmt.Errorf("event_callback delivery missing event body")
		}
		inner = env.Event
	}

	var head struct {
		Type string `json:"type"`
		Team string `json:"team"`
	}
	if err := json.Unmarshal(inner, &head); err != nil {
		return nil, env.TeamID, fmt.Errorf("failed to unmarshal event body: %w", err)
	}

	teamID := env.TeamID
	if teamID == "" {
		teamID = head.Team
	}

	raw, err := parseEventBody(head.Type, inner)
	return raw, teamID, err
}

func parseEventBody(eventType string, data []byte) (*RawEvent, error) {
	raw := &RawEvent{Type: eventType}
	var err error
	switch eventType {
	case "message":
		raw.Kind = KindMessage
		raw.Message = &MessageEvent{}
		err = json.Unmarshal(data, raw.Message)
	case "reaction_added":
		raw.Kind = KindReactionAdded
		raw.Reaction = &ReactionWireEvent{}
		err = json.Unmarshal(data, raw.Reaction)
	case "reaction_removed":
		raw.Kind = KindReactionRemoved
		raw.Reaction = &ReactionWireEvent{}
		err = json.Unmarshal(data, raw.Reaction)
	case "channel_rename":
		raw.Kind = KindChannelRename
		raw.Rename = &ChannelRenameEvent{}
		err = json.Unmarshal(data, raw.Rename)
	case "team_domain_change":
		raw.Kind = KindTeamDomainChange
		raw.DomainChange = &TeamDomainChangeEvent{}
		err = json.Unmarshal(data, raw.DomainChange)
	case "user_typing":
		raw.Kind = KindUserTyping
		raw.Typing = &UserTypingEvent{}
		err = json.Unmarshal(data, raw.Typing)
	default:
		raw.Kind = KindUnrecognized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", eventType, err)
	}
	return raw, nil
}

// ChannelID extracts the channel the event applies to. For reactions this is
// the target item's channel, not the event's own channel field.
func (r *RawEvent) ChannelID() string {
	switch r.Kind {
	case KindMessage:
		return r.Message.Channel
	case KindReactionAdded, KindReactionRemoved:
		return r.Reaction.Item.Channel
	case KindChannelRename:
		return r.Rename.Channel.ID
	case KindUserTyping:
		return r.Typing.Channel
	default:
		return ""
	}
}
