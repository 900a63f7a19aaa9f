// chatline - conversation timeline engine for WhatsApp-style gateways.
// Copyright (C) 2026 Courtdesk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gateway

import (
	"encoding/json"
	"fmt"

	"go.mau.fi/util/jsontime"
)

// EventType discriminates push frames. The gateway emits messages from the
// remote party, echoes of sends made from any of the account's own devices,
// and delivery/read receipt rollups.
type EventType string

const (
	EventMessageReceived EventType = "message:received"
	EventMessageSent     EventType = "message:sent"
	EventMessageStatus   EventType = "message:status"
)

// MessageEvent is the payload of message:received and message:sent frames.
// TempID is only ever present on message:sent frames from gateways that echo
// the sender's correlation id back.
type MessageEvent struct {
	ID           string             `json:"id,omitempty"`
	WireID       string             `json:"wireId,omitempty"`
	TempID       string             `json:"tempId,omitempty"`
	Chat         string             `json:"chat"`
	Body         string             `json:"body,omitempty"`
	AttachmentID string             `json:"attachmentId,omitempty"`
	Timestamp    jsontime.UnixMilli `json:"timestamp"`
}

// StatusEvent is the payload of message:status frames. Some gateway versions
// roll several messages into one receipt via IDs, older ones send a single
// ID/WireID pair; CandidateIDs folds both shapes into one list.
type StatusEvent struct {
	IDs       []string           `json:"ids,omitempty"`
	ID        string             `json:"id,omitempty"`
	WireID    string             `json:"wireId,omitempty"`
	Chat      string             `json:"chat,omitempty"`
	Status    string             `json:"status"`
	Timestamp jsontime.UnixMilli `json:"timestamp"`
}

// CandidateIDs returns every message id this receipt may refer to.
func (s *StatusEvent) CandidateIDs() []string {
	if len(s.IDs) > 0 {
		return s.IDs
	}
	ids := make([]string, 0, 2)
	if s.ID != "" {
		ids = append(ids, s.ID)
	}
	if s.WireID != "" {
		ids = append(ids, s.WireID)
	}
	return ids
}

// Event is one decoded push frame. Exactly one of Message and Status is set,
// matching Type.
type Event struct {
	Type    EventType
	Topic   string
	Message *MessageEvent
	Status  *StatusEvent
}

// Chat returns the conversation the event belongs to, preferring the payload
// field over the topic.
func (e *Event) Chat() string {
	switch {
	case e.Message != nil && e.Message.Chat != "":
		return e.Message.Chat
	case e.Status != nil && e.Status.Chat != "":
		return e.Status.Chat
	default:
		return TopicContact(e.Topic)
	}
}

type wireEvent struct {
	Type    EventType       `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEvent parses a raw push frame. Frames with an unknown type decode
// into an error so the feed can count and skip them without dying.
func DecodeEvent(data []byte) (Event, error) {
	var raw wireEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("failed to parse event envelope: %w", err)
	}
	ev := Event{Type: raw.Type, Topic: raw.Topic}
	switch raw.Type {
	case EventMessageReceived, EventMessageSent:
		ev.Message = &MessageEvent{}
		if err := json.Unmarshal(raw.Payload, ev.Message); err != nil {
			return Event{}, fmt.Errorf("failed to parse %s payload: %w", raw.Type, err)
		}
	case EventMessageStatus:
		ev.Status = &StatusEvent{}
		if err := json.Unmarshal(raw.Payload, ev.Status); err != nil {
			return Event{}, fmt.Errorf("failed to parse %s payload: %w", raw.Type, err)
		}
	default:
		return Event{}, fmt.Errorf("unsupported event type %q", raw.Type)
	}
	return ev, nil
}

// EncodeEvent serializes an event into the gateway's frame format.
func EncodeEvent(ev Event) ([]byte, error) {
	var payload any
	switch ev.Type {
	case EventMessageReceived, EventMessageSent:
		payload = ev.Message
	case EventMessageStatus:
		payload = ev.Status
	default:
		return nil, fmt.Errorf("unsupported event type %q", ev.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: ev.Type, Topic: ev.Topic, Payload: raw})
}

// ChatTopic builds the push topic for one conversation.
func ChatTopic(contact string) string {
	return "chat:" + contact
}

// TopicContact extracts the contact from a chat topic, or returns "" for
// topics in another namespace.
func TopicContact(topic string) string {
	const prefix = "chat:"
	if len(topic) > len(prefix) && topic[:len(prefix)] == prefix {
		return topic[len(prefix):]
	}
	return ""
}
