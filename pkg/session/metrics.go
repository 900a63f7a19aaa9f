// chatline - conversation timeline engine for WhatsApp-style gateways.
// Copyright (C) 2026 Courtdesk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_feed_events_total",
		Help: "Push frames handled, labelled by event type.",
	}, []string{"type"})
	historyPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_history_pages_total",
		Help: "History pages applied to the timeline, labelled initial or older.",
	}, []string{"kind"})
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_sends_total",
		Help: "Optimistic sends by final outcome.",
	}, []string{"result"})
	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_duplicates_suppressed_total",
		Help: "Messages that arrived again through another source and were merged instead of inserted.",
	})
	echoMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_echo_merges_total",
		Help: "Push echoes matched to a provisional send by the time heuristic.",
	})
	statusRegressionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_status_regressions_total",
		Help: "Status updates dropped because they would move a message backwards.",
	})
	unmatchedReceiptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_unmatched_receipts_total",
		Help: "Status updates naming no message the timeline knows.",
	})
	staleDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatline_stale_drops_total",
		Help: "Fetches, send completions, and push frames discarded for belonging to a previous conversation.",
	})
)
