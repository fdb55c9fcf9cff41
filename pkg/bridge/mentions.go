// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Slack wire tokens: <@U012ABC>, <@U012ABC|label>, <#C012ABC|name>,
// <!channel>, <https://example.com|label>.
var (
	userMentionRe    = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|([^>]*))?>`)
	channelMentionRe = regexp.MustCompile(`<#[A-Z0-9]+\|([^>]*)>`)
	specialMentionRe = regexp.MustCompile(`<!(channel|here|everyone)>`)
	linkRe           = regexp.MustCompile(`<((?:https?|mailto):[^|>]*)(?:\|([^>]*))?>`)
)

// SlackMentionResolver substitutes raw mention tokens with display names
// resolved through the Slack users API. Lookup failures leave the raw token's
// identifier in place; the resolver never fails the message.
type SlackMentionResolver struct {
	clients *SlackClientPool
	log     zerolog.Logger

	cacheMu sync.RWMutex
	cache   map[string]string
}

var _ MentionResolver = (*SlackMentionResolver)(nil)

func NewSlackMentionResolver(clients *SlackClientPool, log zerolog.Logger) *SlackMentionResolver {
	return &SlackMentionResolver{
		clients: clients,
		log:     log.With().Str("component", "mention_resolver").Logger(),
		cache:   make(map[string]string),
	}
}

// Resolve rewrites every mention and link token in text. The access token
// selects which workspace's users API answers the lookups.
func (m *SlackMentionResolver) Resolve(ctx context.Context, text, accessToken string) string {
	text = userMentionRe.ReplaceAllStringFunc(text, func(token string) string {
		groups := userMentionRe.FindStringSubmatch(token)
		if groups[2] != "" {
			return "@" + groups[2]
		}
		return "@" + m.displayName(ctx, groups[1], accessToken)
	})

	text = channelMentionRe.ReplaceAllStringFunc(text, func(token string) string {
		groups := channelMentionRe.FindStringSubmatch(token)
		return "#" + groups[1]
	})

	text = specialMentionRe.ReplaceAllStringFunc(text, func(token string) string {
		groups := specialMentionRe.FindStringSubmatch(token)
		return "@" + groups[1]
	})

	text = linkRe.ReplaceAllStringFunc(text, func(token string) string {
		groups := linkRe.FindStringSubmatch(token)
		if groups[2] != "" && groups[2] != groups[1] {
			return fmt.Sprintf("%s (%s)", groups[2], groups[1])
		}
		return groups[1]
	})

	return text
}

// displayName resolves a Slack user ID to its display name, falling back to
// the real name, the username, and finally the raw ID. Results are cached for
// the process lifetime.
func (m *SlackMentionResolver) displayName(ctx context.Context, userID, accessToken string) string {
	m.cacheMu.RLock()
	name, ok := m.cache[userID]
	m.cacheMu.RUnlock()
	if ok {
		return name
	}

	user, err := m.clients.Get(accessToken).GetUserInfoContext(ctx, userID)
	if err != nil {
		m.log.Debug().Err(err).Str("user_id", userID).Msg("Failed to look up user for mention")
		return userID
	}

	name = userID
	switch {
	case user.Profile.DisplayName != "":
		name = user.Profile.DisplayName
	case user.RealName != "":
		name = user.RealName
	case user.Name != "":
		name = user.Name
	}
	name = strings.TrimSpace(name)

	m.cacheMu.Lock()
	m.cache[userID] = name
	m.cacheMu.Unlock()
	return name
}
