// chatline - conversation timeline engine for WhatsApp-style gateways.
// Copyright (C) 2026 Courtdesk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package timeline holds the in-memory message list for a single
// conversation and the identity/status rules that keep it consistent while
// history pages, live push events, and optimistic sends all feed it at once.
package timeline

import (
	"time"
)

// Direction says which way a message travelled relative to the local user.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is the delivery state of an outgoing message. Incoming messages are
// recorded as delivered the moment they arrive and never move again.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders the forward ladder sending → sent → delivered → read.
// StatusFailed is deliberately absent: it is terminal and handled as a
// special case in CanTransition.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is one of the known delivery states.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether moving a message from one status to another
// is a forward move. Repeats and regressions return false; applying a stale
// "sent" over "read" must be a no-op. Nothing leaves failed, and failed is
// only reachable while the message could still plausibly be on its way out
// (sending or sent).
func CanTransition(from, to Status) bool {
	if to == from || !to.Valid() {
		return false
	}
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from == StatusSending || from == StatusSent
	}
	fromRank, ok := statusRank[from]
	if !ok {
		// No status recorded yet, so any valid target is an upgrade.
		return true
	}
	return statusRank[to] > fromRank
}

// Ref carries the identifier fields a message may have picked up on its way
// through the system: a temporary id minted locally before the gateway has
// seen the message, the gateway-assigned id once a send is accepted, and the
// id the push transport stamps on events. Any one of them is enough to find
// the message again; a message accumulates ids over its life and never loses
// one.
type Ref struct {
	TempID   string `json:"tempId,omitempty"`
	ServerID string `json:"serverId,omitempty"`
	WireID   string `json:"wireId,omitempty"`
}

// Identity returns the stable dedup key for this ref: the gateway id when
// known, else the transport id, else the local temporary id.
func (r Ref) Identity() string {
	switch {
	case r.ServerID != "":
		return r.ServerID
	case r.WireID != "":
		return r.WireID
	default:
		return r.TempID
	}
}

// IDs returns every non-empty identifier field, strongest first.
func (r Ref) IDs() []string {
	ids := make([]string, 0, 3)
	if r.ServerID != "" {
		ids = append(ids, r.ServerID)
	}
	if r.WireID != "" {
		ids = append(ids, r.WireID)
	}
	if r.TempID != "" {
		ids = append(ids, r.TempID)
	}
	return ids
}

// Matches reports whether any identifier field equals id.
func (r Ref) Matches(id string) bool {
	if id == "" {
		return false
	}
	return r.TempID == id || r.ServerID == id || r.WireID == id
}

// merge absorbs identifier fields from other that this ref is missing.
// Fields already set are kept; an id assigned once never changes.
func (r *Ref) merge(other Ref) {
	if r.TempID == "" {
		r.TempID = other.TempID
	}
	if r.ServerID == "" {
		r.ServerID = other.ServerID
	}
	if r.WireID == "" {
		r.WireID = other.WireID
	}
}

// Message is one entry in a conversation timeline. Body and Attachment are
// both optional: a text has only Body, a media message may have only an
// Attachment reference, and a provisional attachment send briefly has
// neither while the upload is still running.
type Message struct {
	Ref

	Direction  Direction `json:"direction"`
	Body       string    `json:"body,omitempty"`
	Attachment string    `json:"attachmentId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Status     Status    `json:"status,omitempty"`

	// SendError holds the failure detail for a send that ended in
	// StatusFailed. Empty otherwise.
	SendError string `json:"sendError,omitempty"`
}
