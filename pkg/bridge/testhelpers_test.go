// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// matrixCall records one call on the mock Matrix API.
type matrixCall struct {
	Op     string
	RoomID id.RoomID
	User   string
	Target id.EventID
	Key    string
	Body   string
	Edit   id.EventID
}

// mockMatrix captures Matrix operations for test assertions.
type mockMatrix struct {
	mu    sync.Mutex
	calls []matrixCall
	// Err, when set, is returned by every operation.
	Err error

	nextEventID int
}

func (m *mockMatrix) record(c matrixCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *mockMatrix) Calls() []matrixCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]matrixCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

func (m *mockMatrix) CallsOf(op string) []matrixCall {
	var out []matrixCall
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockMatrix) SendMessage(_ context.Context, roomID id.RoomID, slackUserID string, content *event.MessageEventContent) (id.EventID, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.mu.Lock()
	m.nextEventID++
	evtID := id.EventID(fmt.Sprintf("$evt%d", m.nextEventID))
	m.mu.Unlock()

	var edit id.EventID
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		edit = content.RelatesTo.EventID
	}
	m.record(matrixCall{Op: "message", RoomID: roomID, User: slackUserID, Body: content.Body, Edit: edit})
	return evtID, nil
}

func (m *mockMatrix) SendTopic(_ context.Context, roomID id.RoomID, slackUserID, topic string) error {
	if m.Err != nil {
		return m.Err
	}
	m.record(matrixCall{Op: "topic", RoomID: roomID, User: slackUserID, Body: topic})
	return nil
}

func (m *mockMatrix) SendReaction(_ context.Context, roomID id.RoomID, slackUserID string, target id.EventID, key string) (id.EventID, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.record(matrixCall{Op: "reaction", RoomID: roomID, User: slackUserID, Target: target, Key: key})
	return "$reaction", nil
}

func (m *mockMatrix) SendTyping(_ context.Context, roomID id.RoomID, slackUserID string, _ time.Duration) error {
	if m.Err != nil {
		return m.Err
	}
	m.record(matrixCall{Op: "typing", RoomID: roomID, User: slackUserID})
	return nil
}

func (m *mockMatrix) RedactAsBot(_ context.Context, roomID id.RoomID, target id.EventID) error {
	if m.Err != nil {
		return m.Err
	}
	m.record(matrixCall{Op: "redact", RoomID: roomID, Target: target})
	return nil
}

func (m *mockMatrix) UploadMedia(_ context.Context, data []byte, mimeType, fileName string) (id.ContentURIString, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.record(matrixCall{Op: "upload", Body: fileName, Key: mimeType})
	return "mxc://example.com/media", nil
}

// memStore is an in-memory Datastore.
type memStore struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	messages map[string]*BridgedMessage

	upserts int
	// UpsertErr, when set, fails every UpsertRoom call.
	UpsertErr error
}

func newMemStore() *memStore {
	return &memStore{
		rooms:    make(map[string]*Room),
		messages: make(map[string]*BridgedMessage),
	}
}

func msgKey(channelID, slackTS string) string {
	return channelID + "|" + slackTS
}

func (s *memStore) GetAllRooms(context.Context) ([]*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rooms []*Room
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	return rooms, nil
}

func (s *memStore) UpsertRoom(_ context.Context, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	s.upserts++
	s.rooms[room.ChannelID] = room
	return nil
}

func (s *memStore) UpsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

func (s *memStore) InsertBridgedMessage(_ context.Context, msg *BridgedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msgKey(msg.ChannelID, msg.SlackTS)] = msg
	return nil
}

func (s *memStore) GetBridgedMessage(_ context.Context, channelID, slackTS string) (*BridgedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[msgKey(channelID, slackTS)]; ok {
		return msg, nil
	}
	return nil, ErrNotFound
}

// mockSink records counters and timer outcomes.
type mockSink struct {
	mu       sync.Mutex
	counters map[string]int
	outcomes []string
}

func newMockSink() *mockSink {
	return &mockSink{counters: make(map[string]int)}
}

func counterKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{name}
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func (s *mockSink) StartTimer(string) func(outcome string) {
	return func(outcome string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.outcomes = append(s.outcomes, outcome)
	}
}

func (s *mockSink) IncrementCounter(name string, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterKey(name, labels)]++
}

func (s *mockSink) Counter(name string, labels map[string]string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey(name, labels)]
}

func (s *mockSink) Outcomes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.outcomes))
	copy(cp, s.outcomes)
	return cp
}

// received returns the canonical inbound counter value.
func (s *mockSink) received() int {
	return s.Counter(MetricReceivedMessages, map[string]string{"side": "remote"})
}

// mapMentions resolves mentions from a fixed map; entries absent from the map
// pass through unchanged. An empty map is a pure pass-through resolver.
type mapMentions struct {
	replacements map[string]string
}

func (m *mapMentions) Resolve(_ context.Context, text, _ string) string {
	for from, to := range m.replacements {
		text = strings.ReplaceAll(text, from, to)
	}
	return text
}

// mockFiles is a FileGateway returning canned content or errors.
type mockFiles struct {
	mu          sync.Mutex
	Content     []byte
	ShareErr    error
	DownloadErr error
	shares      int
	downloads   int
}

func (f *mockFiles) MakePublic(_ context.Context, file *slack.File, _ string) (*slack.File, error) {
	f.mu.Lock()
	f.shares++
	f.mu.Unlock()
	if f.ShareErr != nil {
		return nil, f.ShareErr
	}
	return file, nil
}

func (f *mockFiles) Download(_ context.Context, _ *slack.File, _ string) ([]byte, error) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	if f.DownloadErr != nil {
		return nil, f.DownloadErr
	}
	return f.Content, nil
}

// fixture bundles a handler with all its mocks.
type fixture struct {
	handler  *Handler
	registry *Registry
	store    *memStore
	matrix   *mockMatrix
	sink     *mockSink
	files    *mockFiles
	mentions *mapMentions
}

// newFixture builds a handler wired to mocks, with the given rooms loaded.
func newFixture(rooms ...*Room) *fixture {
	f := &fixture{
		registry: NewRegistry(),
		store:    newMemStore(),
		matrix:   &mockMatrix{},
		sink:     newMockSink(),
		files:    &mockFiles{},
		mentions: &mapMentions{},
	}
	log := zerolog.Nop()
	for _, rec := range rooms {
		f.registry.Add(NewBridgedRoom(rec, f.matrix, f.store, log))
	}
	f.handler = NewHandler(HandlerOpts{
		Registry: f.registry,
		Store:    f.store,
		Matrix:   f.matrix,
		Mentions: f.mentions,
		Files:    f.files,
		Sink:     f.sink,
		Log:      log,
	})
	return f
}
