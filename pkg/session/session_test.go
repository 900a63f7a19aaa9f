package session_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/courtdesk/chatline/pkg/gateway"
	"github.com/courtdesk/chatline/pkg/session"
	"github.com/courtdesk/chatline/pkg/timeline"
)

const (
	contactA = "15550001111"
	contactB = "15550002222"
)

var (
	topicA   = gateway.ChatTopic(contactA)
	topicB   = gateway.ChatTopic(contactB)
	histBase = time.Date(2026, 4, 7, 15, 0, 0, 0, time.UTC)
)

type fetchCall struct {
	contact string
	limit   int
	before  time.Time
}

type fetchResult struct {
	msgs    []timeline.Message
	hasMore bool
	err     error
}

type fakeFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   []fetchCall
	gate    chan struct{}
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, contact string, limit int, before time.Time) ([]timeline.Message, bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{contact: contact, limit: limit, before: before})
	var res fetchResult
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	}
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return res.msgs, res.hasMore, res.err
}

func (f *fakeFetcher) queue(msgs []timeline.Message, hasMore bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, fetchResult{msgs: msgs, hasMore: hasMore, err: err})
}

func (f *fakeFetcher) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) call(i int) fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type sendResult struct {
	res *gateway.SendResult
	err error
}

type fakeSender struct {
	mu      sync.Mutex
	results []sendResult
	reqs    []gateway.SendRequest
	gate    chan struct{}
}

func (f *fakeSender) SendMessage(ctx context.Context, contact string, req gateway.SendRequest) (*gateway.SendResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	var res sendResult
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	} else {
		res.res = &gateway.SendResult{ID: "srv-auto", Timestamp: jsontime.UM(time.Now().UTC())}
	}
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return res.res, res.err
}

func (f *fakeSender) queue(res *gateway.SendResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, sendResult{res: res, err: err})
}

func (f *fakeSender) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeSender) requests() []gateway.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.SendRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type fakeFeed struct {
	mu           sync.Mutex
	handlers     map[string]gateway.EventHandler
	unsubscribed [][]string
	subscribeErr error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[string]gateway.EventHandler)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, topics []string, h gateway.EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	for _, topic := range topics {
		f.handlers[topic] = h
	}
	return nil
}

func (f *fakeFeed) Unsubscribe(ctx context.Context, topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics)
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	return nil
}

func (f *fakeFeed) Close() error { return nil }

func (f *fakeFeed) handler(topic string) gateway.EventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

// push delivers ev to the handler currently registered for topic, the way a
// live feed would.
func (f *fakeFeed) push(t *testing.T, topic string, ev gateway.Event) {
	t.Helper()
	h := f.handler(topic)
	if h == nil {
		t.Fatalf("no handler subscribed for %s", topic)
	}
	h(ev)
}

type sinkRecord struct {
	contact string
	msg     timeline.Message
}

type fakeSink struct {
	mu      sync.Mutex
	records []sinkRecord
}

func (f *fakeSink) Record(ctx context.Context, contact string, msg timeline.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, sinkRecord{contact: contact, msg: msg})
	return nil
}

func (f *fakeSink) all() []sinkRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sinkRecord, len(f.records))
	copy(out, f.records)
	return out
}

type harness struct {
	sess    *session.Session
	fetcher *fakeFetcher
	sender  *fakeSender
	feed    *fakeFeed
	sink    *fakeSink
	changes atomic.Int64
}

func newHarness(t *testing.T, pageSize int) *harness {
	t.Helper()
	h := &harness{
		fetcher: &fakeFetcher{},
		sender:  &fakeSender{},
		feed:    newFakeFeed(),
		sink:    &fakeSink{},
	}
	sess, err := session.New(zerolog.Nop(), session.Config{
		PageSize: pageSize,
		OnChange: func() { h.changes.Add(1) },
	}, session.Deps{
		Fetcher: h.fetcher,
		Sender:  h.sender,
		Feed:    h.feed,
		Sink:    h.sink,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	h.sess = sess
	return h
}

func histIncoming(serverID string, offset time.Duration, body string) timeline.Message {
	return timeline.Message{
		Ref:       timeline.Ref{ServerID: serverID},
		Direction: timeline.DirectionIncoming,
		Body:      body,
		Timestamp: histBase.Add(offset),
		Status:    timeline.StatusDelivered,
	}
}

func receivedEvent(chat, serverID, body string, ts time.Time) gateway.Event {
	return gateway.Event{
		Type:  gateway.EventMessageReceived,
		Topic: gateway.ChatTopic(chat),
		Message: &gateway.MessageEvent{
			ID:        serverID,
			Chat:      chat,
			Body:      body,
			Timestamp: jsontime.UM(ts),
		},
	}
}

func sentEcho(chat, wireID, body string, ts time.Time) gateway.Event {
	return gateway.Event{
		Type:  gateway.EventMessageSent,
		Topic: gateway.ChatTopic(chat),
		Message: &gateway.MessageEvent{
			WireID:    wireID,
			Chat:      chat,
			Body:      body,
			Timestamp: jsontime.UM(ts),
		},
	}
}

func statusEvent(chat, status string, ids ...string) gateway.Event {
	return gateway.Event{
		Type:   gateway.EventMessageStatus,
		Topic:  gateway.ChatTopic(chat),
		Status: &gateway.StatusEvent{IDs: ids, Chat: chat, Status: status},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func timelineIDs(sess *session.Session) []string {
	snap := sess.Timeline()
	out := make([]string, len(snap))
	for i, m := range snap {
		out[i] = m.Identity()
	}
	return out
}

func wantTimeline(t *testing.T, sess *session.Session, want ...string) {
	t.Helper()
	got := timelineIDs(sess)
	if len(got) != len(want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("timeline = %v, want %v", got, want)
		}
	}
}

func TestOperationsBeforeSwitch(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.LoadInitial(ctx); !errors.Is(err, session.ErrNoConversation) {
		t.Fatalf("LoadInitial = %v, want ErrNoConversation", err)
	}
	if err := h.sess.LoadOlder(ctx); !errors.Is(err, session.ErrNoConversation) {
		t.Fatalf("LoadOlder = %v, want ErrNoConversation", err)
	}
	if _, err := h.sess.Send(ctx, "hi", ""); !errors.Is(err, session.ErrNoConversation) {
		t.Fatalf("Send = %v, want ErrNoConversation", err)
	}
}

func TestSwitchNormalizesAndSubscribes(t *testing.T) {
	h := newHarness(t, 10)
	if err := h.sess.SwitchConversation(context.Background(), "555-000-1111"); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	if got := h.sess.Contact(); got != contactA {
		t.Fatalf("Contact = %q, want %q", got, contactA)
	}
	if h.feed.handler(topicA) == nil {
		t.Fatal("no handler registered for the conversation topic")
	}
}

func TestLoadInitialReplacesTimeline(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.fetcher.queue([]timeline.Message{
		histIncoming("s1", 0, "hello"),
		histIncoming("s2", time.Minute, "anyone there?"),
	}, true, nil)

	if err := h.sess.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	wantTimeline(t, h.sess, "s1", "s2")
	if !h.sess.HasMore() {
		t.Fatal("HasMore = false, want true")
	}
	call := h.fetcher.call(0)
	if call.contact != contactA || call.limit != 10 || !call.before.IsZero() {
		t.Fatalf("fetch call = %+v", call)
	}
	if got := len(h.sink.all()); got != 2 {
		t.Fatalf("sink saw %d records, want 2", got)
	}
}

func TestLoadOlderPrependsAndMovesCursor(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.fetcher.queue([]timeline.Message{
		histIncoming("s3", 2*time.Minute, "three"),
		histIncoming("s4", 3*time.Minute, "four"),
	}, true, nil)
	h.fetcher.queue([]timeline.Message{
		histIncoming("s1", 0, "one"),
		histIncoming("s2", time.Minute, "two"),
	}, true, nil)

	if err := h.sess.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if err := h.sess.LoadOlder(ctx); err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	wantTimeline(t, h.sess, "s1", "s2", "s3", "s4")

	older := h.fetcher.call(1)
	if !older.before.Equal(histBase.Add(2 * time.Minute)) {
		t.Fatalf("older fetch before = %v, want the oldest known timestamp", older.before)
	}

	// Empty page flips hasMore off no matter what the gateway claimed.
	h.fetcher.queue(nil, true, nil)
	if err := h.sess.LoadOlder(ctx); err != nil {
		t.Fatalf("LoadOlder(empty): %v", err)
	}
	if h.sess.HasMore() {
		t.Fatal("HasMore = true after an empty page")
	}
	calls := h.fetcher.callCount()
	if err := h.sess.LoadOlder(ctx); err != nil {
		t.Fatalf("LoadOlder(exhausted): %v", err)
	}
	if h.fetcher.callCount() != calls {
		t.Fatal("LoadOlder fetched again after history was exhausted")
	}
}

func TestLoadOlderSkipsOverlap(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.fetcher.queue([]timeline.Message{histIncoming("s3", 2*time.Minute, "three")}, true, nil)
	h.fetcher.queue([]timeline.Message{
		histIncoming("s2", time.Minute, "two"),
		histIncoming("s3", 2*time.Minute, "three again"),
	}, false, nil)

	if err := h.sess.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if err := h.sess.LoadOlder(ctx); err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	wantTimeline(t, h.sess, "s2", "s3")
	if h.sess.HasMore() {
		t.Fatal("HasMore = true, want false")
	}
}

func TestLoadOlderSingleFlight(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.fetcher.queue([]timeline.Message{histIncoming("s2", time.Minute, "two")}, true, nil)
	if err := h.sess.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}

	gate := make(chan struct{})
	h.fetcher.setGate(gate)
	h.fetcher.queue([]timeline.Message{histIncoming("s1", 0, "one")}, false, nil)

	done := make(chan error, 1)
	go func() { done <- h.sess.LoadOlder(ctx) }()
	waitFor(t, "the older fetch to start", func() bool { return h.fetcher.callCount() == 2 })

	// A second call while one is in flight must not fetch.
	if err := h.sess.LoadOlder(ctx); err != nil {
		t.Fatalf("concurrent LoadOlder: %v", err)
	}
	if h.fetcher.callCount() != 2 {
		t.Fatalf("fetch count = %d, want 2", h.fetcher.callCount())
	}

	h.fetcher.setGate(nil)
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	wantTimeline(t, h.sess, "s1", "s2")
}

func TestLoadOlderErrorLeavesCursorRetryable(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.fetcher.queue([]timeline.Message{histIncoming("s2", time.Minute, "two")}, true, nil)
	if err := h.sess.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}

	h.fetcher.queue(nil, false, errors.New("gateway unreachable"))
	if err := h.sess.LoadOlder(ctx); err == nil {
		t.Fatal("LoadOlder swallowed the fetch error")
	}
	if !h.sess.HasMore() {
		t.Fatal("a failed fetch must not end pagination")
	}

	h.fetcher.queue([]timeline.Message{histIncoming("s1", 0, "one")}, false, nil)
	if err := h.sess.LoadOlder(ctx); err != nil {
		t.Fatalf("retry LoadOlder: %v", err)
	}
	wantTimeline(t, h.sess, "s1", "s2")
	failed, retried := h.fetcher.call(1), h.fetcher.call(2)
	if !failed.before.Equal(retried.before) {
		t.Fatalf("retry fetched before %v, want the same mark %v", retried.before, failed.before)
	}
}

func TestSwitchDiscardsInFlightPage(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.fetcher.queue([]timeline.Message{histIncoming("s2", time.Minute, "two")}, true, nil)
	if err := h.sess.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}

	gate := make(chan struct{})
	h.fetcher.setGate(gate)
	h.fetcher.queue([]timeline.Message{histIncoming("s1", 0, "one")}, true, nil)
	done := make(chan error, 1)
	go func() { done <- h.sess.LoadOlder(ctx) }()
	waitFor(t, "the older fetch to start", func() bool { return h.fetcher.callCount() == 2 })

	h.fetcher.setGate(nil)
	if err := h.sess.SwitchConversation(ctx, contactB); err != nil {
		t.Fatalf("SwitchConversation(B): %v", err)
	}
	close(gate)

	if err := <-done; !errors.Is(err, session.ErrStaleConversation) {
		t.Fatalf("in-flight LoadOlder = %v, want ErrStaleConversation", err)
	}
	wantTimeline(t, h.sess)
}

func TestSendOptimisticThenReconciled(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.sender.queue(&gateway.SendResult{ID: "srv-9", Timestamp: jsontime.UM(time.Now().UTC())}, nil)

	tempID, err := h.sess.Send(ctx, "on my way", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	snap := h.sess.Timeline()
	if len(snap) != 1 || snap[0].TempID != tempID || snap[0].Status != timeline.StatusSending {
		t.Fatalf("timeline after Send = %+v", snap)
	}

	waitFor(t, "the send to reconcile", func() bool {
		m, ok := h.sess.Lookup(tempID)
		return ok && m.Status == timeline.StatusSent && m.ServerID == "srv-9"
	})
	if got := len(h.sess.Timeline()); got != 1 {
		t.Fatalf("timeline has %d entries after reconcile, want 1", got)
	}
	reqs := h.sender.requests()
	if len(reqs) != 1 || reqs[0].TempID != tempID || reqs[0].Body != "on my way" {
		t.Fatalf("send requests = %+v", reqs)
	}
}

func TestSendFailureIsTerminal(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.sender.queue(nil, &gateway.APIError{
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "recipient_blocked",
		Message:    "cannot deliver to this number",
	})

	tempID, err := h.sess.Send(ctx, "hello?", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "the send to fail", func() bool {
		m, ok := h.sess.Lookup(tempID)
		return ok && m.Status == timeline.StatusFailed
	})
	m, _ := h.sess.Lookup(tempID)
	if m.SendError != "cannot deliver to this number" {
		t.Fatalf("SendError = %q", m.SendError)
	}

	// A late receipt cannot resurrect it.
	h.feed.push(t, topicA, statusEvent(contactA, "delivered", tempID))
	m, _ = h.sess.Lookup(tempID)
	if m.Status != timeline.StatusFailed {
		t.Fatalf("status = %q after late receipt, want failed", m.Status)
	}
}

func TestEchoArrivingBeforeSendResponse(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	gate := make(chan struct{})
	h.sender.setGate(gate)
	h.sender.queue(&gateway.SendResult{ID: "srv-9", Timestamp: jsontime.UM(time.Now().UTC())}, nil)

	tempID, err := h.sess.Send(ctx, "on my way", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.feed.push(t, topicA, sentEcho(contactA, "w-9", "on my way", time.Now().UTC()))

	snap := h.sess.Timeline()
	if len(snap) != 1 {
		t.Fatalf("timeline has %d entries after echo, want 1", len(snap))
	}
	if snap[0].WireID != "w-9" || snap[0].TempID != tempID || snap[0].Status != timeline.StatusSent {
		t.Fatalf("entry after echo = %+v", snap[0])
	}

	h.sender.setGate(nil)
	close(gate)
	waitFor(t, "the late response to attach the gateway id", func() bool {
		m, ok := h.sess.Lookup(tempID)
		return ok && m.ServerID == "srv-9"
	})
	if got := len(h.sess.Timeline()); got != 1 {
		t.Fatalf("timeline has %d entries after reconcile, want 1", got)
	}
}

func TestIncomingEventDeduplicated(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	ev := receivedEvent(contactA, "srv-5", "are you around?", time.Now().UTC())
	h.feed.push(t, topicA, ev)
	h.feed.push(t, topicA, ev)
	wantTimeline(t, h.sess, "srv-5")
}

func TestStatusEventRouting(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.sender.queue(&gateway.SendResult{ID: "srv-9", Timestamp: jsontime.UM(time.Now().UTC())}, nil)
	tempID, err := h.sess.Send(ctx, "ping", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "the send to reconcile", func() bool {
		m, ok := h.sess.Lookup("srv-9")
		return ok && m.Status == timeline.StatusSent
	})

	h.feed.push(t, topicA, statusEvent(contactA, "read", "srv-9"))
	if m, _ := h.sess.Lookup(tempID); m.Status != timeline.StatusRead {
		t.Fatalf("status = %q, want read", m.Status)
	}

	// Regression and unknown receipts change nothing.
	h.feed.push(t, topicA, statusEvent(contactA, "delivered", "srv-9"))
	if m, _ := h.sess.Lookup(tempID); m.Status != timeline.StatusRead {
		t.Fatalf("status = %q after regression, want read", m.Status)
	}
	h.feed.push(t, topicA, statusEvent(contactA, "read", "srv-404"))
	wantTimeline(t, h.sess, "srv-9")
}

func TestStaleHandlerEventsDropped(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	oldHandler := h.feed.handler(topicA)
	if err := h.sess.SwitchConversation(ctx, contactB); err != nil {
		t.Fatalf("SwitchConversation(B): %v", err)
	}

	// The feed delivers a frame through the replaced registration.
	oldHandler(receivedEvent(contactA, "srv-77", "too late", time.Now().UTC()))
	wantTimeline(t, h.sess)
}

func TestEventForAnotherChatDropped(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	ev := receivedEvent(contactB, "srv-88", "wrong chat", time.Now().UTC())
	ev.Topic = topicA
	h.feed.push(t, topicA, ev)
	wantTimeline(t, h.sess)
}

func TestSwitchMovesTopics(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation(A): %v", err)
	}
	if err := h.sess.SwitchConversation(ctx, contactB); err != nil {
		t.Fatalf("SwitchConversation(B): %v", err)
	}
	if h.feed.handler(topicA) != nil {
		t.Fatal("old topic still has a handler")
	}
	if h.feed.handler(topicB) == nil {
		t.Fatal("new topic has no handler")
	}

	h.feed.mu.Lock()
	unsubs := len(h.feed.unsubscribed)
	h.feed.mu.Unlock()
	if unsubs != 1 {
		t.Fatalf("unsubscribe calls = %d, want 1", unsubs)
	}
}

func TestSwitchToSameContactIsNoOp(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.fetcher.queue([]timeline.Message{histIncoming("s1", 0, "hello")}, false, nil)
	if err := h.sess.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if err := h.sess.SwitchConversation(ctx, "555-000-1111"); err != nil {
		t.Fatalf("repeat SwitchConversation: %v", err)
	}
	wantTimeline(t, h.sess, "s1")
}

func TestOnChangeFires(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	before := h.changes.Load()
	h.feed.push(t, topicA, receivedEvent(contactA, "srv-1", "hi", time.Now().UTC()))
	if h.changes.Load() <= before {
		t.Fatal("OnChange did not fire for a push event")
	}
}

func TestSinkMirrorsSendLifecycle(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	if err := h.sess.SwitchConversation(ctx, contactA); err != nil {
		t.Fatalf("SwitchConversation: %v", err)
	}
	h.sender.queue(&gateway.SendResult{ID: "srv-9", Timestamp: jsontime.UM(time.Now().UTC())}, nil)
	tempID, err := h.sess.Send(ctx, "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "the send to reconcile", func() bool {
		m, ok := h.sess.Lookup(tempID)
		return ok && m.Status == timeline.StatusSent
	})

	records := h.sink.all()
	if len(records) < 2 {
		t.Fatalf("sink saw %d records, want the provisional and the reconciled state", len(records))
	}
	first, last := records[0], records[len(records)-1]
	if first.msg.Status != timeline.StatusSending || first.contact != contactA {
		t.Fatalf("first record = %+v", first)
	}
	if last.msg.Status != timeline.StatusSent || last.msg.ServerID != "srv-9" {
		t.Fatalf("last record = %+v", last)
	}
}
