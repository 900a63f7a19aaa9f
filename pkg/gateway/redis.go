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
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisDialTimeout = 5 * time.Second

// RedisFeedConfig points the feed at the broker some gateway deployments
// publish their events through instead of exposing a websocket.
type RedisFeedConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisFeed is the pub/sub Feed implementation. Topics map one-to-one onto
// redis channels.
type RedisFeed struct {
	log zerolog.Logger
	rdb *redis.Client

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool
}

type redisSub struct {
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *redisSub) close() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
	})
}

// NewRedisFeed connects and pings the broker so a bad address fails fast.
func NewRedisFeed(log zerolog.Logger, cfg RedisFeedConfig) (*RedisFeed, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: redisDialTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisFeed{
		log:  log.With().Str("component", "redis-feed").Logger(),
		rdb:  rdb,
		subs: make(map[string]*redisSub),
	}, nil
}

// Subscribe opens one pub/sub stream for topics and forwards decoded frames
// to h until the topics are unsubscribed or ctx is cancelled. The
// subscription is confirmed with the broker before Subscribe returns.
func (f *RedisFeed) Subscribe(ctx context.Context, topics []string, h EventHandler) error {
	if len(topics) == 0 {
		return nil
	}
	if h == nil {
		return fmt.Errorf("event handler is required")
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("redis feed is closed")
	}
	f.mu.Unlock()

	pubsub := f.rdb.Subscribe(ctx, topics...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	sub := &redisSub{pubsub: pubsub}

	f.mu.Lock()
	for _, topic := range topics {
		if old, ok := f.subs[topic]; ok && old != sub {
			_ = old.pubsub.Unsubscribe(context.Background(), topic)
		}
		f.subs[topic] = sub
	}
	f.mu.Unlock()

	go f.forward(ctx, sub, h)
	return nil
}

// Unsubscribe stops delivery for topics. Streams with no topics left are
// closed.
func (f *RedisFeed) Unsubscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	f.mu.Lock()
	affected := make(map[*redisSub][]string)
	for _, topic := range topics {
		sub, ok := f.subs[topic]
		if !ok {
			continue
		}
		delete(f.subs, topic)
		affected[sub] = append(affected[sub], topic)
	}
	remaining := make(map[*redisSub]int)
	for _, sub := range f.subs {
		remaining[sub]++
	}
	f.mu.Unlock()

	var firstErr error
	for sub, dropped := range affected {
		if err := sub.pubsub.Unsubscribe(ctx, dropped...); err != nil && firstErr == nil {
			firstErr = err
		}
		if remaining[sub] == 0 {
			sub.close()
		}
	}
	return firstErr
}

// Close tears down every stream and the connection.
func (f *RedisFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	subs := make([]*redisSub, 0, len(f.subs))
	seen := make(map[*redisSub]bool)
	for _, sub := range f.subs {
		if !seen[sub] {
			seen[sub] = true
			subs = append(subs, sub)
		}
	}
	f.subs = make(map[string]*redisSub)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return f.rdb.Close()
}

func (f *RedisFeed) forward(ctx context.Context, sub *redisSub, h EventHandler) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			sub.close()
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				sub.close()
				return
			}
			ev, err := DecodeEvent([]byte(m.Payload))
			if err != nil {
				f.log.Warn().Err(err).Str("channel", m.Channel).Msg("Dropping undecodable broker payload")
				continue
			}
			if ev.Topic == "" {
				ev.Topic = m.Channel
			}
			h(ev)
		}
	}
}
