// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/id"
)

func testRoom() *Room {
	return &Room{
		ChannelID:    "C1",
		TeamID:       "T1",
		TeamDomain:   "acme",
		SlackBotID:   "B1",
		AccessToken:  "xoxb-token",
		Name:         "acme.#general",
		MatrixRoomID: id.RoomID("!room:example.com"),
	}
}

func messageEvent(msg *MessageEvent) *RawEvent {
	return &RawEvent{Kind: KindMessage, Type: "message", Message: msg}
}

func TestMessage_PlainText(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())
	f.mentions.replacements = map[string]string{"@bob": "Bob"}

	outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1",
		User:    "U1",
		Text:    "hello @bob",
		TS:      "1000.0001",
	}))

	if outcome.Status != StatusSuccess {
		t.Fatalf("outcome: got %v, want success", outcome)
	}
	msgs := f.matrix.CallsOf("message")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 forwarded message, got %d", len(msgs))
	}
	if msgs[0].Body != "hello Bob" {
		t.Errorf("body: got %q, want %q", msgs[0].Body, "hello Bob")
	}
	if msgs[0].User != "U1" {
		t.Errorf("user: got %q, want U1", msgs[0].User)
	}
	if got := f.sink.received(); got != 1 {
		t.Errorf("inbound counter: got %d, want 1", got)
	}
}

func TestMessage_RecordsBridgedMapping(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1", User: "U1", Text: "hi", TS: "1000.0002",
	}))

	rec, err := f.store.GetBridgedMessage(context.Background(), "C1", "1000.0002")
	if err != nil {
		t.Fatalf("bridged message not recorded: %v", err)
	}
	if rec.EventID == "" {
		t.Error("recorded mapping missing event ID")
	}
}

func TestMessage_OwnBotEchoSuppressed(t *testing.T) {
	t.Parallel()
	for _, token := range []string{"xoxb-token", ""} {
		rec := testRoom()
		rec.AccessToken = token
		f := newFixture(rec)

		outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
			Channel: "C1",
			Subtype: SubtypeBotMessage,
			BotID:   "B1",
			Text:    "relayed text",
		}))

		if outcome.Status != StatusSuccess {
			t.Errorf("token=%q: outcome %v, want success", token, outcome)
		}
		if calls := f.matrix.Calls(); len(calls) != 0 {
			t.Errorf("token=%q: expected no forward calls, got %d", token, len(calls))
		}
		if got := f.sink.received(); got != 0 {
			t.Errorf("token=%q: counter incremented for suppressed echo", token)
		}
	}
}

func TestMessage_UnknownBridgeBotSuppressesAllBots(t *testing.T) {
	t.Parallel()
	rec := testRoom()
	rec.SlackBotID = ""
	f := newFixture(rec)

	f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1",
		Subtype: SubtypeBotMessage,
		BotID:   "B999",
		Text:    "bot text",
	}))

	if calls := f.matrix.Calls(); len(calls) != 0 {
		t.Errorf("expected no forward calls when bridge bot is unknown, got %d", len(calls))
	}
}

func TestMessage_ForeignBotForwardedAsBot(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1",
		Subtype: SubtypeBotMessage,
		BotID:   "B999",
		Text:    "integration says hi",
	}))

	msgs := f.matrix.CallsOf("message")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 forward call, got %d", len(msgs))
	}
	if msgs[0].User != "B999" {
		t.Errorf("actor: got %q, want bot id B999", msgs[0].User)
	}
	if got := f.sink.received(); got != 1 {
		t.Errorf("inbound counter: got %d, want 1", got)
	}
}

func TestMessage_NoTokenForwardsRaw(t *testing.T) {
	t.Parallel()
	rec := testRoom()
	rec.AccessToken = ""
	f := newFixture(rec)
	f.mentions.replacements = map[string]string{"<@U2>": "@two"}

	f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1", User: "U1", Text: "raw <@U2> text", TS: "1.2",
	}))

	msgs := f.matrix.CallsOf("message")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 forward call, got %d", len(msgs))
	}
	if msgs[0].Body != "raw <@U2> text" {
		t.Errorf("degraded message should not be enriched, got %q", msgs[0].Body)
	}
}

func TestMessage_TopicChange(t *testing.T) {
	t.Parallel()
	for _, subtype := range []string{SubtypeChannelTopic, SubtypeGroupTopic} {
		f := newFixture(testRoom())

		f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
			Channel: "C1",
			User:    "U1",
			Subtype: subtype,
			Topic:   "release planning",
		}))

		topics := f.matrix.CallsOf("topic")
		if len(topics) != 1 {
			t.Fatalf("subtype=%s: expected 1 topic call, got %d", subtype, len(topics))
		}
		if topics[0].Body != "release planning" {
			t.Errorf("subtype=%s: topic got %q", subtype, topics[0].Body)
		}
		if len(f.matrix.CallsOf("message")) != 0 {
			t.Errorf("subtype=%s: topic change must not also forward a message", subtype)
		}
	}
}

func TestMessage_AttachmentFallbackText(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1",
		User:    "U1",
		Attachments: []slack.Attachment{
			{Fallback: "first attachment"},
			{Fallback: "second attachment"},
		},
	}))

	msgs := f.matrix.CallsOf("message")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 forward call, got %d", len(msgs))
	}
	if msgs[0].Body != "first attachment" {
		t.Errorf("only the first attachment's fallback should be used, got %q", msgs[0].Body)
	}
}

func TestMessage_EmptyAttachmentDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel:     "C1",
		User:        "U1",
		Attachments: []slack.Attachment{{Fallback: ""}},
	}))

	if outcome.Status != StatusSuccess {
		t.Errorf("outcome: got %v, want success", outcome)
	}
	if calls := f.matrix.Calls(); len(calls) != 0 {
		t.Errorf("expected no forward calls for empty attachment, got %d", len(calls))
	}
}

func TestMessage_FileComment(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1",
		User:    "U1",
		Subtype: SubtypeFileComment,
		Comment: &MessageComment{User: "U9", Comment: "nice chart"},
	}))

	msgs := f.matrix.CallsOf("message")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 forward call, got %d", len(msgs))
	}
	if msgs[0].User != "U9" {
		t.Errorf("comment author should act, got %q", msgs[0].User)
	}
	if msgs[0].Body != "nice chart" {
		t.Errorf("body: got %q", msgs[0].Body)
	}
}

func TestMessage_EditForwardsReplacement(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())
	// Bridge the original first so the edit can resolve it.
	f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1", User: "U1", Text: "typo", TS: "10.1",
	}))
	original, err := f.store.GetBridgedMessage(context.Background(), "C1", "10.1")
	if err != nil {
		t.Fatalf("original not bridged: %v", err)
	}

	outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel:         "C1",
		Subtype:         SubtypeMessageChanged,
		Message:         &NestedMessage{User: "U1", Text: "fixed", TS: "10.2"},
		PreviousMessage: &NestedMessage{User: "U1", Text: "typo", TS: "10.1"},
	}))

	if outcome.Status != StatusSuccess {
		t.Fatalf("outcome: got %v, want success", outcome)
	}
	msgs := f.matrix.CallsOf("message")
	if len(msgs) != 2 {
		t.Fatalf("expected original + edit, got %d calls", len(msgs))
	}
	edit := msgs[1]
	if edit.Edit != original.EventID {
		t.Errorf("edit target: got %q, want %q", edit.Edit, original.EventID)
	}
}

func TestMessage_EditPassThroughTextUnchanged(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel:         "C1",
		Subtype:         SubtypeMessageChanged,
		Message:         &NestedMessage{User: "U1", Text: "plain edit", TS: "11.2"},
		PreviousMessage: &NestedMessage{User: "U1", Text: "", TS: "11.1"},
	}))

	msgs := f.matrix.CallsOf("message")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 forward call, got %d", len(msgs))
	}
	if msgs[0].Body != "plain edit" {
		t.Errorf("pass-through resolver must not alter text, got %q", msgs[0].Body)
	}
}

func TestMessage_EditMissingBodiesFails(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1",
		Subtype: SubtypeMessageChanged,
	}))

	if outcome.Status != StatusFail {
		t.Errorf("outcome: got %v, want fail", outcome)
	}
	if got := f.sink.Outcomes(); len(got) != 1 || got[0] != "fail" {
		t.Errorf("timer outcomes: got %v, want [fail]", got)
	}
}

func TestMessage_OwnEditEchoSuppressed(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel:         "C1",
		Subtype:         SubtypeMessageChanged,
		Message:         &NestedMessage{BotID: "B1", Text: "edited by bridge", TS: "12.2"},
		PreviousMessage: &NestedMessage{BotID: "B1", Text: "old", TS: "12.1"},
	}))

	if outcome.Status != StatusSuccess {
		t.Errorf("outcome: got %v, want success", outcome)
	}
	if calls := f.matrix.Calls(); len(calls) != 0 {
		t.Errorf("own edit echo must not forward, got %d calls", len(calls))
	}
}

func TestMessage_ForeignBotEditAttributedToBot(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel:         "C1",
		Subtype:         SubtypeMessageChanged,
		Message:         &NestedMessage{BotID: "B42", User: "U1", Text: "bot edit", TS: "13.2"},
		PreviousMessage: &NestedMessage{Text: "old", TS: "13.1"},
	}))

	msgs := f.matrix.CallsOf("message")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 forward call, got %d", len(msgs))
	}
	if msgs[0].User != "B42" {
		t.Errorf("edit actor: got %q, want B42", msgs[0].User)
	}
}

func TestMessage_DeleteRedactsBridgedMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())
	f.store.InsertBridgedMessage(context.Background(), &BridgedMessage{
		ChannelID:    "C1",
		SlackTS:      "20.1",
		MatrixRoomID: id.RoomID("!room:example.com"),
		EventID:      id.EventID("$orig"),
	})

	outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel:   "C1",
		Subtype:   SubtypeMessageDeleted,
		DeletedTS: "20.1",
	}))

	if outcome.Status != StatusSuccess {
		t.Fatalf("outcome: got %v, want success", outcome)
	}
	redactions := f.matrix.CallsOf("redact")
	if len(redactions) != 1 {
		t.Fatalf("expected 1 redaction, got %d", len(redactions))
	}
	if redactions[0].Target != "$orig" {
		t.Errorf("redaction target: got %q, want $orig", redactions[0].Target)
	}
	if len(f.matrix.CallsOf("message")) != 0 {
		t.Error("deletion must never reach the generic forward call")
	}
}

func TestMessage_DeleteWithoutMappingIsSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel:   "C1",
		Subtype:   SubtypeMessageDeleted,
		DeletedTS: "99.9",
	}))

	if outcome.Status != StatusSuccess {
		t.Errorf("outcome: got %v, want success", outcome)
	}
	if calls := f.matrix.Calls(); len(calls) != 0 {
		t.Errorf("expected no redaction for unmapped deletion, got %d calls", len(calls))
	}
}

func TestMessage_RepliedDroppedSilently(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())

	outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1",
		User:    "U1",
		Subtype: SubtypeMessageReplied,
		Text:    "thread parent",
	}))

	if outcome.Status != StatusSuccess {
		t.Errorf("outcome: got %v, want success", outcome)
	}
	if calls := f.matrix.Calls(); len(calls) != 0 {
		t.Errorf("message_replied must not forward, got %d calls", len(calls))
	}
}

func TestMessage_FileShareUploadsContent(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())
	f.files.Content = []byte("png bytes")

	f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1",
		User:    "U1",
		Subtype: SubtypeFileShare,
		Text:    "shared a file",
		TS:      "30.1",
		File:    &slack.File{ID: "F1", Name: "chart.png", Mimetype: "image/png"},
	}))

	if len(f.matrix.CallsOf("upload")) != 1 {
		t.Fatal("expected file content upload")
	}
	msgs := f.matrix.CallsOf("message")
	// Text part plus file part.
	if len(msgs) != 2 {
		t.Fatalf("expected text + file messages, got %d", len(msgs))
	}
}

func TestMessage_FileAccessFailureDegradesToText(t *testing.T) {
	t.Parallel()
	f := newFixture(testRoom())
	f.files.ShareErr = errors.New("file api down")

	outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1",
		User:    "U1",
		Subtype: SubtypeFileShare,
		Text:    "shared a file",
		TS:      "31.1",
		File:    &slack.File{ID: "F2", Name: "doc.pdf", Mimetype: "application/pdf"},
	}))

	if outcome.Status != StatusSuccess {
		t.Fatalf("file failure must not fail the message, got %v", outcome)
	}
	if len(f.matrix.CallsOf("upload")) != 0 {
		t.Error("no upload expected when sharing failed")
	}
	msgs := f.matrix.CallsOf("message")
	if len(msgs) != 1 || msgs[0].Body != "shared a file" {
		t.Errorf("expected text-only forward, got %v", msgs)
	}
}

func TestMessage_TeamDomainFallsBackToTeamID(t *testing.T) {
	t.Parallel()
	rec := testRoom()
	rec.TeamDomain = ""
	rec.AccessToken = ""
	f := newFixture(rec)

	outcome := f.handler.Process(context.Background(), "T1", messageEvent(&MessageEvent{
		Channel: "C1", User: "U1", Text: "hi",
	}))
	if outcome.Status != StatusSuccess {
		t.Errorf("outcome: got %v, want success", outcome)
	}
}
