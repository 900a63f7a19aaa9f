// chatline - conversation timeline engine for WhatsApp-style gateways.
// Copyright (C) 2026 Courtdesk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	socketWriteWait     = 10 * time.Second
	socketPingPeriod    = 30 * time.Second
	socketDialTimeout   = 10 * time.Second
	socketReconnectWait = 2 * time.Second
	socketReconnectMax  = 30 * time.Second
)

// SocketFeedConfig points the feed at the gateway's websocket endpoint.
type SocketFeedConfig struct {
	URL   string
	Token string

	// PingInterval overrides how often keepalive pings go out.
	PingInterval time.Duration
	// ReconnectWait is the initial pause before redialing a dropped socket;
	// it doubles on repeated failures up to a fixed ceiling.
	ReconnectWait time.Duration
}

type socketCommand struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// SocketFeed is the websocket Feed implementation. It dials once on
// construction, then keeps the connection alive behind the scenes: dropped
// sockets are redialed with backoff and every subscribed topic is replayed
// to the gateway after each reconnect. Subscribers never observe the churn,
// they just see a gap in events.
type SocketFeed struct {
	log zerolog.Logger
	cfg SocketFeedConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]EventHandler
	closed   bool
	done     chan struct{}
}

// NewSocketFeed connects to the push endpoint. A failed dial fails
// construction; later drops are handled internally.
func NewSocketFeed(log zerolog.Logger, cfg SocketFeedConfig) (*SocketFeed, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("push socket URL is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = socketPingPeriod
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = socketReconnectWait
	}
	f := &SocketFeed{
		log:      log.With().Str("component", "socket-feed").Logger(),
		cfg:      cfg,
		handlers: make(map[string]EventHandler),
		done:     make(chan struct{}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), socketDialTimeout)
	defer cancel()
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect push socket: %w", err)
	}
	f.conn = conn
	go f.run(conn)
	return f, nil
}

// Subscribe registers h for topics and tells the gateway to start pushing
// them. The registration outlives reconnects.
func (f *SocketFeed) Subscribe(ctx context.Context, topics []string, h EventHandler) error {
	if len(topics) == 0 {
		return nil
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("push socket is closed")
	}
	for _, topic := range topics {
		f.handlers[topic] = h
	}
	conn := f.conn
	f.mu.Unlock()
	return f.writeCommand(conn, socketCommand{Action: "subscribe", Topics: topics})
}

// Unsubscribe drops the registrations and tells the gateway to stop pushing
// the topics. Frames already in flight may still arrive and are discarded.
func (f *SocketFeed) Unsubscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	conn := f.conn
	f.mu.Unlock()
	return f.writeCommand(conn, socketCommand{Action: "unsubscribe", Topics: topics})
}

// Close tears the socket down for good.
func (f *SocketFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(socketWriteWait))
		return conn.Close()
	}
	return nil
}

func (f *SocketFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if f.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+f.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: socketDialTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, header)
	return conn, err
}

// run owns one connection at a time: pump it dry, then redial and replay the
// subscriptions, until Close.
func (f *SocketFeed) run(conn *websocket.Conn) {
	for {
		f.pump(conn)
		if f.isClosed() {
			return
		}
		f.log.Warn().Msg("Push socket dropped, reconnecting")
		conn = f.redial()
		if conn == nil {
			return
		}
	}
}

// pump reads frames off conn until it dies, dispatching each to the handler
// registered for its topic. A per-connection goroutine keeps pings flowing;
// gorilla allows control frames concurrently with reads and writes.
func (f *SocketFeed) pump(conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !f.isClosed() {
				f.log.Debug().Err(err).Msg("Push socket read failed")
			}
			return
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			f.log.Warn().Err(err).Msg("Dropping undecodable push frame")
			continue
		}
		f.dispatch(ev)
	}
}

func (f *SocketFeed) dispatch(ev Event) {
	topic := ev.Topic
	if topic == "" {
		topic = ChatTopic(ev.Chat())
	}
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h == nil {
		f.log.Debug().Str("topic", topic).Str("type", string(ev.Type)).Msg("No subscriber for push frame")
		return
	}
	h(ev)
}

// redial reconnects with doubling backoff and replays the current topic set.
// Returns nil once the feed is closed.
func (f *SocketFeed) redial() *websocket.Conn {
	wait := f.cfg.ReconnectWait
	for {
		select {
		case <-f.done:
			return nil
		case <-time.After(wait):
		}
		ctx, cancel := context.WithTimeout(context.Background(), socketDialTimeout)
		conn, err := f.dial(ctx)
		cancel()
		if err != nil {
			f.log.Warn().Err(err).Dur("retry_in", wait).Msg("Push socket redial failed")
			wait *= 2
			if wait > socketReconnectMax {
				wait = socketReconnectMax
			}
			continue
		}

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		f.conn = conn
		topics := make([]string, 0, len(f.handlers))
		for topic := range f.handlers {
			topics = append(topics, topic)
		}
		f.mu.Unlock()

		if len(topics) > 0 {
			if err := f.writeCommand(conn, socketCommand{Action: "subscribe", Topics: topics}); err != nil {
				f.log.Warn().Err(err).Msg("Failed to replay subscriptions after reconnect")
				_ = conn.Close()
				continue
			}
		}
		f.log.Info().Int("topics", len(topics)).Msg("Push socket reconnected")
		return conn
	}
}

func (f *SocketFeed) writeCommand(conn *websocket.Conn, cmd socketCommand) error {
	if conn == nil {
		return fmt.Errorf("push socket is not connected")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return conn.WriteJSON(cmd)
}

func (f *SocketFeed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
