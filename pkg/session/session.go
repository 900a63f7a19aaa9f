// chatline - conversation timeline engine for WhatsApp-style gateways.
// Copyright (C) 2026 Courtdesk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package session glues the timeline store to the gateway: it runs the
// backward pager, routes push frames, coordinates optimistic sends, and owns
// the conversation switch that makes everything older than the switch
// harmless. One Session drives one visible conversation at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/courtdesk/chatline/pkg/gateway"
	"github.com/courtdesk/chatline/pkg/timeline"
)

var (
	// ErrNoConversation is returned by operations that need an active
	// conversation before SwitchConversation has been called.
	ErrNoConversation = errors.New("no active conversation")
	// ErrStaleConversation is returned when an operation's results were
	// discarded because the conversation changed while it was in flight.
	ErrStaleConversation = errors.New("conversation changed while the operation was in flight")
)

const (
	defaultPageSize = 50
	sendTimeout     = 60 * time.Second
	archiveTimeout  = 5 * time.Second
)

// Fetcher loads one history page: messages strictly before the mark,
// oldest-first, plus the gateway's claim that more exist. A zero mark means
// the newest page.
type Fetcher interface {
	FetchMessages(ctx context.Context, contact string, limit int, before time.Time) ([]timeline.Message, bool, error)
}

// Sender submits one message to the gateway.
type Sender interface {
	SendMessage(ctx context.Context, contact string, req gateway.SendRequest) (*gateway.SendResult, error)
}

// Sink receives a copy of every message the timeline accepts, after
// reconciliation. Sinks are mirrors: the session never reads them back.
type Sink interface {
	Record(ctx context.Context, contact string, msg timeline.Message) error
}

// Config tunes a Session.
type Config struct {
	// PageSize is how many messages each history fetch asks for.
	PageSize int
	// Dialplan canonicalizes contact identifiers.
	Dialplan gateway.Dialplan
	// OnChange, when set, is called after every timeline mutation, outside
	// any lock. UIs hang their re-render off it.
	OnChange func()
}

// Deps are the session's collaborators. Fetcher, Sender, and Feed are
// required; Sink is optional.
type Deps struct {
	Fetcher Fetcher
	Sender  Sender
	Feed    gateway.Feed
	Sink    Sink
}

type pageCursor struct {
	oldest  time.Time
	hasMore bool
}

// Session reconciles the three producers of one conversation's timeline. All
// methods are safe for concurrent use. The epoch counter is the heart of the
// stale-context rule: every switch bumps it, every asynchronous completion
// captures it at start and checks it before touching the store.
type Session struct {
	log   zerolog.Logger
	cfg   Config
	deps  Deps
	store *timeline.Store

	mu            sync.Mutex
	epoch         uint64
	contact       string
	topics        []string
	cancel        context.CancelFunc
	cursor        pageCursor
	olderInFlight bool
	subscribed    bool
}

// New validates deps and returns an idle session; call SwitchConversation to
// point it somewhere.
func New(log zerolog.Logger, cfg Config, deps Deps) (*Session, error) {
	if deps.Fetcher == nil || deps.Sender == nil || deps.Feed == nil {
		return nil, fmt.Errorf("fetcher, sender, and feed are all required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Dialplan.CountryCode == "" && cfg.Dialplan.NationalNumberLen == 0 {
		cfg.Dialplan = gateway.DefaultDialplan
	}
	log = log.With().Str("component", "session").Logger()
	return &Session{
		log:   log,
		cfg:   cfg,
		deps:  deps,
		store: timeline.NewStore(log),
	}, nil
}

// Contact returns the active conversation's canonical identifier, or "".
func (s *Session) Contact() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contact
}

// HasMore reports whether older history is believed to exist.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.hasMore
}

// Timeline returns a copy of the active conversation, oldest first.
func (s *Session) Timeline() []timeline.Message {
	return s.store.Snapshot()
}

// Lookup finds a timeline entry by any of its ids.
func (s *Session) Lookup(id string) (timeline.Message, bool) {
	return s.store.Lookup(id)
}

// SwitchConversation makes contact the active conversation. The timeline
// empties, the pagination cursor resets, push topics move over, and every
// operation still in flight for the previous contact is discarded when it
// completes. Switching to the already-active contact is a no-op.
//
// The switch sticks even when subscribing the new push topics fails; the
// error is returned so the caller can surface the degraded state, and the
// next SwitchConversation call to the same contact retries the subscription.
func (s *Session) SwitchConversation(ctx context.Context, contact string) error {
	normalized := s.cfg.Dialplan.Normalize(contact)
	if normalized == "" {
		return fmt.Errorf("unusable contact identifier %q", contact)
	}

	s.mu.Lock()
	if normalized == s.contact && s.subscribed {
		s.mu.Unlock()
		return nil
	}
	if normalized != s.contact {
		s.epoch++
	}
	epoch := s.epoch
	oldTopics := s.topics
	oldCancel := s.cancel
	feedCtx, cancel := context.WithCancel(context.Background())
	s.contact = normalized
	s.cancel = cancel
	s.topics = []string{gateway.ChatTopic(normalized)}
	s.cursor = pageCursor{hasMore: true}
	s.olderInFlight = false
	s.subscribed = false
	topics := s.topics
	s.store.Reset()
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if len(oldTopics) > 0 && !sameTopics(oldTopics, topics) {
		if err := s.deps.Feed.Unsubscribe(ctx, oldTopics); err != nil {
			s.log.Warn().Err(err).Strs("topics", oldTopics).Msg("Failed to unsubscribe previous conversation")
		}
	}

	handler := func(ev gateway.Event) {
		s.handleEvent(epoch, ev)
	}
	if err := s.deps.Feed.Subscribe(feedCtx, topics, handler); err != nil {
		s.log.Warn().Err(err).Strs("topics", topics).Msg("Failed to subscribe conversation topics")
		s.notify()
		return fmt.Errorf("failed to subscribe push topics: %w", err)
	}
	s.mu.Lock()
	if s.epoch == epoch {
		s.subscribed = true
	}
	s.mu.Unlock()

	s.log.Info().Str("contact", normalized).Msg("Switched conversation")
	s.notify()
	return nil
}

// Close cancels the feed context and drops the active subscription. The
// gateway client and feed are owned by the caller and stay open.
func (s *Session) Close() error {
	s.mu.Lock()
	s.epoch++
	topics := s.topics
	cancel := s.cancel
	s.topics = nil
	s.cancel = nil
	s.contact = ""
	s.subscribed = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if len(topics) > 0 {
		return s.deps.Feed.Unsubscribe(context.Background(), topics)
	}
	return nil
}

// LoadInitial fetches the newest page and replaces the timeline with it.
func (s *Session) LoadInitial(ctx context.Context) error {
	s.mu.Lock()
	contact, epoch := s.contact, s.epoch
	limit := s.cfg.PageSize
	s.mu.Unlock()
	if contact == "" {
		return ErrNoConversation
	}

	msgs, hasMore, err := s.deps.Fetcher.FetchMessages(ctx, contact, limit, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		staleDropsTotal.Inc()
		s.log.Debug().Str("contact", contact).Msg("Dropping initial page for a previous conversation")
		return ErrStaleConversation
	}
	s.store.ReplaceAll(msgs)
	s.cursor.hasMore = hasMore && len(msgs) > 0
	if len(msgs) > 0 {
		s.cursor.oldest = msgs[0].Timestamp
	}
	s.mu.Unlock()

	historyPagesTotal.WithLabelValues("initial").Inc()
	s.recordCurrent(contact, msgs)
	s.notify()
	return nil
}

// LoadOlder fetches the page behind the oldest known message and prepends
// it. At most one older fetch runs at a time; a call made while one is in
// flight returns immediately, as does a call once history is exhausted. An
// empty page marks history exhausted regardless of what the gateway claims.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.contact == "" {
		s.mu.Unlock()
		return ErrNoConversation
	}
	if !s.cursor.hasMore || s.olderInFlight {
		s.mu.Unlock()
		return nil
	}
	s.olderInFlight = true
	contact, epoch := s.contact, s.epoch
	before := s.cursor.oldest
	limit := s.cfg.PageSize
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.epoch == epoch {
			s.olderInFlight = false
		}
		s.mu.Unlock()
	}()

	msgs, hasMore, err := s.deps.Fetcher.FetchMessages(ctx, contact, limit, before)
	if err != nil {
		// Cursor untouched: the same page can be retried.
		return fmt.Errorf("failed to load older messages: %w", err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		staleDropsTotal.Inc()
		s.log.Debug().Str("contact", contact).Msg("Dropping older page for a previous conversation")
		return ErrStaleConversation
	}
	if len(msgs) == 0 {
		s.cursor.hasMore = false
		s.mu.Unlock()
		historyPagesTotal.WithLabelValues("older").Inc()
		s.notify()
		return nil
	}
	inserted := s.store.PrependOlder(msgs)
	s.cursor.oldest = msgs[0].Timestamp
	s.cursor.hasMore = hasMore
	s.mu.Unlock()

	historyPagesTotal.WithLabelValues("older").Inc()
	if dupes := len(msgs) - inserted; dupes > 0 {
		duplicatesTotal.Add(float64(dupes))
	}
	s.recordCurrent(contact, msgs)
	s.notify()
	return nil
}

// Send appends an optimistic entry and submits it in the background. The
// returned temp id names the entry until the gateway acknowledges it; the
// entry moves to sent or failed on its own once the gateway answers. The
// submission deliberately outlives ctx and the active conversation: a
// message the user sent should reach the other side even if they navigate
// away before the gateway responds.
func (s *Session) Send(ctx context.Context, body, attachmentID string) (string, error) {
	if body == "" && attachmentID == "" {
		return "", fmt.Errorf("refusing to send an empty message")
	}
	s.mu.Lock()
	if s.contact == "" {
		s.mu.Unlock()
		return "", ErrNoConversation
	}
	contact, epoch := s.contact, s.epoch
	tempID := gateway.NewTempID()
	msg := timeline.Message{
		Ref:        timeline.Ref{TempID: tempID},
		Direction:  timeline.DirectionOutgoing,
		Body:       body,
		Attachment: attachmentID,
		Timestamp:  time.Now().UTC(),
		Status:     timeline.StatusSending,
	}
	s.store.AppendProvisional(msg)
	s.mu.Unlock()

	s.recordCurrent(contact, []timeline.Message{msg})
	s.notify()
	go s.completeSend(epoch, contact, tempID, body, attachmentID)
	return tempID, nil
}

// completeSend runs the gateway round trip for one optimistic entry and
// settles it. Completions for a conversation that is no longer active only
// touch the archive, never the store.
func (s *Session) completeSend(epoch uint64, contact, tempID, body, attachmentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	res, err := s.deps.Sender.SendMessage(ctx, contact, gateway.SendRequest{
		TempID:       tempID,
		Body:         body,
		AttachmentID: attachmentID,
	})

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		staleDropsTotal.Inc()
		settled := timeline.Message{
			Ref:        timeline.Ref{TempID: tempID},
			Direction:  timeline.DirectionOutgoing,
			Body:       body,
			Attachment: attachmentID,
			Timestamp:  time.Now().UTC(),
		}
		if err != nil {
			s.log.Warn().Err(err).Str("temp_id", tempID).Msg("Send failed after conversation switch")
			sendsTotal.WithLabelValues("failed").Inc()
			settled.Status = timeline.StatusFailed
			settled.SendError = sendFailureDetail(err)
		} else {
			s.log.Debug().Str("temp_id", tempID).Str("id", res.ID).Msg("Send confirmed after conversation switch")
			sendsTotal.WithLabelValues("accepted").Inc()
			settled.ServerID = res.ID
			settled.Status = timeline.StatusSent
		}
		s.recordEntry(contact, settled)
		return
	}
	if err != nil {
		s.store.Fail(tempID, sendFailureDetail(err))
		s.mu.Unlock()
		sendsTotal.WithLabelValues("failed").Inc()
		s.log.Warn().Err(err).Str("temp_id", tempID).Msg("Gateway rejected message")
		s.recordByID(contact, tempID)
		s.notify()
		return
	}
	s.store.Reconcile(tempID, res.ID)
	s.mu.Unlock()
	sendsTotal.WithLabelValues("accepted").Inc()
	s.recordByID(contact, tempID)
	s.notify()
}

// handleEvent is the feed callback. The epoch captured at subscribe time
// gates everything: frames from a topic the session has moved away from die
// here no matter how late the feed delivers them.
func (s *Session) handleEvent(epoch uint64, ev gateway.Event) {
	feedEventsTotal.WithLabelValues(string(ev.Type)).Inc()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		staleDropsTotal.Inc()
		s.log.Debug().Str("type", string(ev.Type)).Msg("Dropping push frame for a previous conversation")
		return
	}
	contact := s.contact
	if chat := ev.Chat(); chat != "" && !s.cfg.Dialplan.SameContact(chat, contact) {
		s.mu.Unlock()
		s.log.Debug().
			Str("type", string(ev.Type)).
			Str("chat", chat).
			Str("contact", contact).
			Msg("Dropping push frame for another conversation")
		return
	}

	var touched []string
	switch ev.Type {
	case gateway.EventMessageReceived:
		msg := eventMessage(ev.Message, timeline.DirectionIncoming)
		outcome := s.store.UpsertLive(msg)
		if outcome.Merged() {
			duplicatesTotal.Inc()
		}
		touched = msg.IDs()
	case gateway.EventMessageSent:
		msg := eventMessage(ev.Message, timeline.DirectionOutgoing)
		outcome := s.store.UpsertLive(msg)
		switch outcome {
		case timeline.UpsertEchoMerged:
			echoMergesTotal.Inc()
		case timeline.UpsertMerged:
			duplicatesTotal.Inc()
		}
		touched = msg.IDs()
	case gateway.EventMessageStatus:
		status := timeline.Status(ev.Status.Status)
		if !status.Valid() {
			s.mu.Unlock()
			s.log.Warn().Str("status", ev.Status.Status).Msg("Dropping receipt with unknown status")
			return
		}
		ids := ev.Status.CandidateIDs()
		switch s.store.ApplyStatus(ids, status) {
		case timeline.StatusIgnored:
			statusRegressionsTotal.Inc()
		case timeline.StatusUnmatched:
			unmatchedReceiptsTotal.Inc()
			s.mu.Unlock()
			s.log.Debug().Strs("ids", ids).Str("status", ev.Status.Status).Msg("Receipt matched no known message")
			return
		}
		touched = ids
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if len(touched) > 0 {
		s.recordByID(contact, touched...)
	}
	s.notify()
}

// eventMessage converts a push payload into the timeline model. Frames
// without a status claim the weakest one consistent with their direction.
func eventMessage(p *gateway.MessageEvent, dir timeline.Direction) timeline.Message {
	status := timeline.StatusDelivered
	if dir == timeline.DirectionOutgoing {
		status = timeline.StatusSent
	}
	ts := p.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return timeline.Message{
		Ref:        timeline.Ref{TempID: p.TempID, ServerID: p.ID, WireID: p.WireID},
		Direction:  dir,
		Body:       p.Body,
		Attachment: p.AttachmentID,
		Timestamp:  ts,
		Status:     status,
	}
}

// recordCurrent mirrors the current store state of each message to the sink,
// preferring the reconciled entry over the copy that triggered the write.
func (s *Session) recordCurrent(contact string, msgs []timeline.Message) {
	if s.deps.Sink == nil || len(msgs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	for _, msg := range msgs {
		if entry, ok := s.store.Lookup(msg.Identity()); ok {
			msg = entry
		}
		if err := s.deps.Sink.Record(ctx, contact, msg); err != nil {
			s.log.Warn().Err(err).Str("identity", msg.Identity()).Msg("Failed to archive message")
		}
	}
}

// recordByID mirrors the entry known by any of ids, if it still exists.
func (s *Session) recordByID(contact string, ids ...string) {
	if s.deps.Sink == nil {
		return
	}
	for _, id := range ids {
		if entry, ok := s.store.Lookup(id); ok {
			s.recordEntry(contact, entry)
			return
		}
	}
}

func (s *Session) recordEntry(contact string, msg timeline.Message) {
	if s.deps.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.deps.Sink.Record(ctx, contact, msg); err != nil {
		s.log.Warn().Err(err).Str("identity", msg.Identity()).Msg("Failed to archive message")
	}
}

func (s *Session) notify() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

func sendFailureDetail(err error) string {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

func sameTopics(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
