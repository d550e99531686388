package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/secretary/internal/command"
	"github.com/nhle/secretary/internal/diary"
	"github.com/nhle/secretary/internal/filter"
	"github.com/nhle/secretary/internal/mail"
	"github.com/nhle/secretary/internal/model"
	"github.com/nhle/secretary/internal/retry"
	"github.com/nhle/secretary/tests/testutil"
)

type fakeMailbox struct {
	messages   []model.Message
	seen       map[uint32]bool
	fetchErr   error
	markErr    error
	fetchCalls int
	onFetch    func()
}

func newFakeMailbox(messages ...model.Message) *fakeMailbox {
	return &fakeMailbox{messages: messages, seen: make(map[uint32]bool)}
}

func (f *fakeMailbox) FetchUnseen(context.Context) ([]model.Message, error) {
	f.fetchCalls++
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []model.Message
	for _, m := range f.messages {
		if !f.seen[m.UID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMailbox) MarkSeen(_ context.Context, uid uint32) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.seen[uid] = true
	return nil
}

type fakeSender struct {
	sent []model.Reply
	err  error
}

func (f *fakeSender) Send(_ context.Context, reply model.Reply, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, reply)
	return nil
}

// failingStore always fails writes and report generation.
type failingStore struct{}

func (failingStore) AddEntry(context.Context, string, string) error { return errors.New("disk full") }
func (failingStore) EntriesBetween(context.Context, string, string) ([]diary.Entry, error) {
	return nil, errors.New("disk full")
}
func (failingStore) GenerateReport(context.Context, string, string) (string, error) {
	return "", errors.New("disk full")
}
func (failingStore) Close() error { return nil }

var testClock = func() time.Time {
	return time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC)
}

func newTestGateway(t *testing.T, mailbox Mailbox, sender Sender, store diary.Store) *Gateway {
	t.Helper()

	dispatcher := NewDispatcher(store)
	dispatcher.now = testClock

	return New(Options{
		Mailbox:    mailbox,
		Sender:     sender,
		Rules:      filter.NewRules([]string{"boss@example.com"}, []string{"SEC: 日记", "SEC: 周报"}),
		Parser:     command.NewParser(command.DefaultPrefixes()),
		Dispatcher: dispatcher,
		Policy: retry.Policy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			Multiplier:      2.0,
		},
		OperationTimeout: time.Second,
		NotifyFailures:   true,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestDiaryCommandEndToEnd(t *testing.T) {
	store := testutil.NewTestStore(t)
	mailbox := newFakeMailbox(model.Message{
		UID:     1,
		From:    "boss@example.com",
		Subject: "SEC: 日记",
		Body:    "met with team",
	})
	sender := &fakeSender{}
	gw := newTestGateway(t, mailbox, sender, store)

	summary, err := gw.ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.CycleSummary{
		Fetched: 1, Whitelisted: 1, Dispatched: 1, Succeeded: 1,
	}, summary)

	// Entry dated with the processing date.
	entries, err := store.EntriesBetween(context.Background(), "2025-08-31", "2025-08-31")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "met with team", entries[0].Body)

	// Confirmation reply sent to the sender, message marked seen.
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "boss@example.com", sender.sent[0].To)
	assert.Contains(t, sender.sent[0].Subject, "2025-08-31")
	assert.True(t, mailbox.seen[1])
}

func TestWeeklyReportEndToEnd(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AddEntry(ctx, "2025-08-25", "inside the window"))
	require.NoError(t, store.AddEntry(ctx, "2025-08-24", "outside the window"))

	mailbox := newFakeMailbox(model.Message{
		UID:     7,
		From:    "boss@example.com",
		Subject: "Re: SEC: 周报",
	})
	sender := &fakeSender{}
	gw := newTestGateway(t, mailbox, sender, store)

	summary, err := gw.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	// Exactly the 7 days ending on the processing date, inclusive.
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Subject, "2025-08-25~2025-08-31")
	assert.Contains(t, sender.sent[0].Body, "inside the window")
	assert.NotContains(t, sender.sent[0].Body, "outside the window")
	assert.True(t, mailbox.seen[7])
}

func TestNonWhitelistedSenderIgnored(t *testing.T) {
	store := testutil.NewTestStore(t)
	mailbox := newFakeMailbox(model.Message{
		UID:     3,
		From:    "spam@example.org",
		Subject: "SEC: 日记",
		Body:    "ignore me",
	})
	sender := &fakeSender{}
	gw := newTestGateway(t, mailbox, sender, store)

	summary, err := gw.ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.CycleSummary{Fetched: 1}, summary)
	assert.Empty(t, sender.sent)
	assert.False(t, mailbox.seen[3], "ignored mail must stay unseen")
}

func TestBackdatedDiaryCommand(t *testing.T) {
	store := testutil.NewTestStore(t)
	mailbox := newFakeMailbox(model.Message{
		UID:     4,
		From:    "boss@example.com",
		Subject: "SEC: 日记 2025-01-01",
		Body:    "New Year planning",
	})
	gw := newTestGateway(t, mailbox, &fakeSender{}, store)

	_, err := gw.ProcessOnce(context.Background())
	require.NoError(t, err)

	entries, err := store.EntriesBetween(context.Background(), "2025-01-01", "2025-01-01")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "New Year planning", entries[0].Body)
}

func TestFailedDispatchLeavesMessageUnseen(t *testing.T) {
	mailbox := newFakeMailbox(model.Message{
		UID:     5,
		From:    "boss@example.com",
		Subject: "SEC: 日记",
		Body:    "will not persist",
	})
	sender := &fakeSender{}
	gw := newTestGateway(t, mailbox, sender, failingStore{})

	summary, err := gw.ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Succeeded)
	assert.False(t, mailbox.seen[5], "failed dispatch must not mark the message")

	// Best-effort failure notice was attempted.
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Subject, "处理失败")

	// The next cycle re-fetches and reprocesses the same message.
	summary, err = gw.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 1, summary.Failed)
}

func TestReplyFailureStillMarksProcessed(t *testing.T) {
	store := testutil.NewTestStore(t)
	mailbox := newFakeMailbox(model.Message{
		UID:     6,
		From:    "boss@example.com",
		Subject: "SEC: 日记",
		Body:    "durable either way",
	})
	sender := &fakeSender{err: errors.New("smtp unavailable")}
	gw := newTestGateway(t, mailbox, sender, store)

	summary, err := gw.ProcessOnce(context.Background())
	require.NoError(t, err)

	// The diary write is the durability contract, not the notification.
	assert.Equal(t, 1, summary.Succeeded)
	assert.True(t, mailbox.seen[6])

	entries, err := store.EntriesBetween(context.Background(), "2025-08-31", "2025-08-31")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTransientFetchFailureIsRetried(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.fetchErr = errors.New("connection reset")
	gw := newTestGateway(t, mailbox, &fakeSender{}, testutil.NewTestStore(t))

	_, err := gw.ProcessOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, mailbox.fetchCalls, "policy allows two attempts")
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.fetchErr = &mail.AuthError{Protocol: "imap", Message: "bad credentials"}
	gw := newTestGateway(t, mailbox, &fakeSender{}, testutil.NewTestStore(t))

	_, err := gw.ProcessOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, mailbox.fetchCalls)
	assert.True(t, mail.IsAuthError(err))
}

func TestUnparseableSubjectDoesNotAbortCycle(t *testing.T) {
	store := testutil.NewTestStore(t)
	mailbox := newFakeMailbox(
		model.Message{UID: 8, From: "boss@example.com", Subject: "SEC: 午饭"},
		model.Message{UID: 9, From: "boss@example.com", Subject: "SEC: 日记", Body: "still handled"},
	)
	// "SEC: 午饭" passes a loose whitelist prefix but is no command.
	dispatcher := NewDispatcher(store)
	dispatcher.now = testClock
	gw := New(Options{
		Mailbox:    mailbox,
		Sender:     &fakeSender{},
		Rules:      filter.NewRules([]string{"boss@example.com"}, []string{"SEC:"}),
		Parser:     command.NewParser(command.DefaultPrefixes()),
		Dispatcher: dispatcher,
		Policy:     retry.Policy{MaxAttempts: 1},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	summary, err := gw.ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Whitelisted)
	assert.Equal(t, 1, summary.Dispatched)
	assert.Equal(t, 1, summary.Succeeded)
	assert.False(t, mailbox.seen[8], "unparseable message stays unseen")
	assert.True(t, mailbox.seen[9])
}

func TestRunStopsOnAuthError(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.fetchErr = &mail.AuthError{Protocol: "imap", Message: "rejected"}
	gw := newTestGateway(t, mailbox, &fakeSender{}, testutil.NewTestStore(t))
	gw.interval = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- gw.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, mail.IsAuthError(err))
	case <-time.After(5 * time.Second):
		t.Fatal("run kept polling after rejected authentication")
	}
	assert.Equal(t, 1, mailbox.fetchCalls, "bad credentials must not be retried")
}

func TestRunFinishesCycleOnStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := testutil.NewTestStore(t)
	mailbox := newFakeMailbox(model.Message{
		UID:     7,
		From:    "boss@example.com",
		Subject: "SEC: 日记",
		Body:    "written during shutdown",
	})
	// Stop is requested while the first cycle is still in flight.
	mailbox.onFetch = cancel
	sender := &fakeSender{}
	gw := newTestGateway(t, mailbox, sender, store)
	gw.interval = time.Minute

	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	// The in-flight cycle ran to completion before the loop stopped.
	assert.True(t, mailbox.seen[7])
	require.Len(t, sender.sent, 1)
	assert.Equal(t, 1, mailbox.fetchCalls)
}
