// Copyright 2024-2026 Aiku AI

package bridge

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// FileGateway makes Slack files publicly fetchable and downloads their
// bytes. Callers swallow failures: a file that cannot be fetched degrades the
// message to text-only.
type FileGateway interface {
	MakePublic(ctx context.Context, file *slack.File, accessToken string) (*slack.File, error)
	Download(ctx context.Context, file *slack.File, accessToken string) ([]byte, error)
}

// SlackClientPool caches one Slack Web API client per access token. Tokens
// are per-conversation, so the pool stays small.
type SlackClientPool struct {
	mu      sync.Mutex
	clients map[string]*slack.Client
	opts    []slack.Option
}

// NewSlackClientPool creates a pool. opts apply to every constructed client;
// tests use slack.OptionAPIURL to point at a fake server.
func NewSlackClientPool(opts ...slack.Option) *SlackClientPool {
	return &SlackClientPool{
		clients: make(map[string]*slack.Client),
		opts:    opts,
	}
}

func (p *SlackClientPool) Get(accessToken string) *slack.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client, ok := p.clients[accessToken]
	if !ok {
		client = slack.New(accessToken, p.opts...)
		p.clients[accessToken] = client
	}
	return client
}

// SlackFileGateway implements FileGateway against the Slack Web API.
type SlackFileGateway struct {
	clients *SlackClientPool
	log     zerolog.Logger
}

var _ FileGateway = (*SlackFileGateway)(nil)

func NewSlackFileGateway(clients *SlackClientPool, log zerolog.Logger) *SlackFileGateway {
	return &SlackFileGateway{
		clients: clients,
		log:     log.With().Str("component", "file_gateway").Logger(),
	}
}

// MakePublic enables the file's public link and returns the refreshed file
// metadata. Files that are already shared come back unchanged.
func (g *SlackFileGateway) MakePublic(ctx context.Context, file *slack.File, accessToken string) (*slack.File, error) {
	if file.PublicURLShared {
		return file, nil
	}
	shared, _, _, err := g.clients.Get(accessToken).ShareFilePublicURLContext(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to share public file URL: %w", err)
	}
	return shared, nil
}

// Download fetches the file's bytes through the authenticated download URL.
func (g *SlackFileGateway) Download(ctx context.Context, file *slack.File, accessToken string) ([]byte, error) {
	url := file.URLPrivateDownload
	if url == "" {
		url = file.URLPrivate
	}
	if url == "" {
		return nil, fmt.Errorf("file %s has no download URL", file.ID)
	}

	var buf bytes.Buffer
	if err := g.clients.Get(accessToken).GetFileContext(ctx, url, &buf); err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	g.log.Debug().Str("file_id", file.ID).Int("size", buf.Len()).Msg("Downloaded file content")
	return buf.Bytes(), nil
}
