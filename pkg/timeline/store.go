// chatline - conversation timeline engine for WhatsApp-style gateways.
// Copyright (C) 2026 Courtdesk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package timeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EchoMatchWindow bounds the heuristic used to match a push echo of an
// outgoing send against a provisional entry that has no gateway id yet.
// Echoes arriving with a timestamp further than this from the provisional
// entry are treated as distinct messages.
const EchoMatchWindow = 10 * time.Second

// StatusOutcome is the result of routing a status update into the store.
type StatusOutcome int

const (
	// StatusApplied means an entry matched one of the candidate ids and the
	// transition was a forward move.
	StatusApplied StatusOutcome = iota
	// StatusIgnored means an entry matched but the transition was a repeat
	// or a regression and was dropped.
	StatusIgnored
	// StatusUnmatched means no entry matched any candidate id.
	StatusUnmatched
)

func (o StatusOutcome) String() string {
	switch o {
	case StatusApplied:
		return "applied"
	case StatusIgnored:
		return "ignored"
	default:
		return "unmatched"
	}
}

// UpsertOutcome is how UpsertLive resolved an event against the list.
type UpsertOutcome int

const (
	// UpsertInserted means the event was a new message.
	UpsertInserted UpsertOutcome = iota
	// UpsertMerged means an identifier field matched an existing entry.
	UpsertMerged
	// UpsertEchoMerged means no id matched but the echo heuristic claimed a
	// provisional entry.
	UpsertEchoMerged
)

// Merged reports whether the event collapsed into an existing entry.
func (o UpsertOutcome) Merged() bool {
	return o == UpsertMerged || o == UpsertEchoMerged
}

// Store is the ordered message list for one conversation and the single
// place where all three producers converge: backward history pagination,
// live push events, and optimistic sends. Every mutation resolves the
// incoming message against an alias index covering every identifier each
// entry is known by, so the same logical message arriving from different
// sources collapses into one entry.
//
// Entries are kept oldest→newest. The rendered order is timestamp monotonic
// non-decreasing, with two deliberate exceptions: provisional sends are
// appended at the tail with a local "now" timestamp, and a reconciled send
// keeps its provisional position even if the gateway's timestamp would sort
// it elsewhere.
//
// A Store is safe for concurrent use. It never blocks on I/O.
type Store struct {
	log zerolog.Logger

	mu    sync.RWMutex
	order []*Message
	byID  map[string]*Message

	echoWindow time.Duration
}

// NewStore returns an empty store logging through log.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:        log.With().Str("component", "timeline").Logger(),
		byID:       make(map[string]*Message),
		echoWindow: EchoMatchWindow,
	}
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Snapshot returns a copy of the timeline, oldest first. The copy is safe to
// hand to a renderer; mutating it has no effect on the store.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.order))
	for i, m := range s.order {
		out[i] = *m
	}
	return out
}

// Lookup finds an entry by any of its known identifier fields.
func (s *Store) Lookup(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byID[id]; ok {
		return *m, true
	}
	return Message{}, false
}

// Reset discards every entry. Called when the active conversation changes.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byID = make(map[string]*Message)
}

// ReplaceAll throws away the current contents and loads msgs as the new
// timeline. Input must be oldest-first; duplicate identities within the
// input collapse to the first occurrence.
func (s *Store) ReplaceAll(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = make([]*Message, 0, len(msgs))
	s.byID = make(map[string]*Message, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		if s.findLocked(msg.Ref) != nil {
			continue
		}
		entry := &msg
		s.order = append(s.order, entry)
		s.indexLocked(entry)
	}
}

// PrependOlder inserts a page of strictly-older history at the head of the
// list without touching entries already present. Input must be oldest-first.
// Messages whose identity is already known are skipped, so replaying an
// overlapping page cannot duplicate or reorder anything. Returns the number
// of entries actually inserted.
func (s *Store) PrependOlder(msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	block := make([]*Message, 0, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		if s.findLocked(msg.Ref) != nil {
			s.log.Debug().Str("identity", msg.Identity()).Msg("Skipping already-known message in older page")
			continue
		}
		entry := &msg
		block = append(block, entry)
		s.indexLocked(entry)
	}
	if len(block) == 0 {
		return 0
	}
	s.order = append(block, s.order...)
	return len(block)
}

// UpsertLive routes a message delivered by the push channel into the store.
// If any identifier field matches an existing entry, or, for outgoing
// messages with no id overlap, the echo heuristic finds a provisional entry
// from the same moment, the event is merged in place: the entry gains the
// ids and content it was missing, and the status is upgraded only if the
// move is forward. Otherwise the message is inserted at its timestamp
// position.
func (s *Store) UpsertLive(msg Message) UpsertOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := UpsertMerged
	entry := s.findLocked(msg.Ref)
	if entry == nil && msg.Direction == DirectionOutgoing {
		entry = s.findEchoCandidateLocked(msg.Timestamp)
		if entry != nil {
			outcome = UpsertEchoMerged
			s.log.Debug().
				Str("identity", msg.Identity()).
				Str("temp_id", entry.TempID).
				Msg("Matched echo to provisional entry by time heuristic")
		}
	}
	if entry != nil {
		s.mergeLocked(entry, msg)
		return outcome
	}

	insert := msg
	s.insertByTimestampLocked(&insert)
	s.indexLocked(&insert)
	return UpsertInserted
}

// AppendProvisional adds an optimistic outgoing entry at the tail of the
// list. This is the one insertion ordered by "now" rather than by a fetched
// or pushed timestamp.
func (s *Store) AppendProvisional(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := msg
	s.order = append(s.order, &entry)
	s.indexLocked(&entry)
}

// Reconcile attaches the gateway-confirmed id to the provisional entry
// created for tempID and moves it to StatusSent. The entry keeps its
// position and timestamp: a send that just left the composer stays where the
// user saw it appear. Returns false when no entry is known by tempID.
func (s *Store) Reconcile(tempID, serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byID[tempID]
	if !ok {
		return false
	}
	if serverID != "" && entry.ServerID == "" {
		entry.ServerID = serverID
		s.byID[serverID] = entry
	}
	if CanTransition(entry.Status, StatusSent) {
		entry.Status = StatusSent
	}
	return true
}

// Fail marks the provisional entry for tempID as permanently failed and
// records detail. The entry stays visible under its temporary identity;
// nothing reconciles it afterwards.
func (s *Store) Fail(tempID, detail string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byID[tempID]
	if !ok {
		return false
	}
	if !CanTransition(entry.Status, StatusFailed) {
		return false
	}
	entry.Status = StatusFailed
	entry.SendError = detail
	return true
}

// ApplyStatus finds an entry by trying each candidate id against every
// identifier field and applies the status if it is a forward move. Applying
// the same status twice, or an older status after a newer one, is a no-op.
// Status updates only ever target outgoing entries; a candidate id matching
// an incoming entry is reported as unmatched.
func (s *Store) ApplyStatus(ids []string, status Status) StatusOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		entry, ok := s.byID[id]
		if !ok {
			continue
		}
		if entry.Direction != DirectionOutgoing {
			s.log.Debug().
				Str("id", id).
				Str("status", string(status)).
				Msg("Dropping status update aimed at an incoming entry")
			continue
		}
		if !CanTransition(entry.Status, status) {
			return StatusIgnored
		}
		entry.Status = status
		if status != StatusFailed {
			entry.SendError = ""
		}
		return StatusApplied
	}
	return StatusUnmatched
}

// findLocked resolves a ref against the alias index, trying every id field.
func (s *Store) findLocked(ref Ref) *Message {
	for _, id := range ref.IDs() {
		if entry, ok := s.byID[id]; ok {
			return entry
		}
	}
	return nil
}

// findEchoCandidateLocked scans from the tail for a provisional outgoing
// entry (still StatusSending, no gateway or transport id recorded) whose
// timestamp is within the echo window of ts. Newest match wins. Best-effort:
// two rapid-fire identical sends can in theory confuse it, which is the
// accepted cost of suppressing duplicate echoes that share no id with the
// provisional entry.
func (s *Store) findEchoCandidateLocked(ts time.Time) *Message {
	for i := len(s.order) - 1; i >= 0; i-- {
		entry := s.order[i]
		if entry.Direction != DirectionOutgoing || entry.Status != StatusSending {
			continue
		}
		if entry.ServerID != "" || entry.WireID != "" {
			continue
		}
		delta := entry.Timestamp.Sub(ts)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.echoWindow {
			return entry
		}
	}
	return nil
}

// mergeLocked folds an event into an existing entry in place: the entry
// gains any ids and content it was missing, and status moves forward only.
// Position and timestamp stay put.
func (s *Store) mergeLocked(entry *Message, msg Message) {
	entry.Ref.merge(msg.Ref)
	if entry.Body == "" {
		entry.Body = msg.Body
	}
	if entry.Attachment == "" {
		entry.Attachment = msg.Attachment
	}
	if CanTransition(entry.Status, msg.Status) {
		entry.Status = msg.Status
	}
	s.indexLocked(entry)
}

// insertByTimestampLocked places entry at the latest position that keeps the
// list timestamp-ordered, walking back from the tail. Entries with equal
// timestamps keep arrival order.
func (s *Store) insertByTimestampLocked(entry *Message) {
	i := len(s.order)
	for i > 0 && s.order[i-1].Timestamp.After(entry.Timestamp) {
		i--
	}
	s.order = append(s.order, nil)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = entry
}

// indexLocked records every known id of entry in the alias index.
func (s *Store) indexLocked(entry *Message) {
	for _, id := range entry.IDs() {
		s.byID[id] = entry
	}
}
