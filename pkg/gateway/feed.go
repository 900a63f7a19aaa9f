// chatline - conversation timeline engine for WhatsApp-style gateways.
// Copyright (C) 2026 Courtdesk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gateway

import "context"

// EventHandler receives decoded push frames. Handlers are called from the
// feed's read goroutine and must not block; hand the event off and return.
type EventHandler func(ev Event)

// Feed is the push side of the gateway. Implementations deliver every frame
// published on a subscribed topic to the handler registered for it, in
// publish order per topic. Subscribing a topic again replaces its handler.
type Feed interface {
	Subscribe(ctx context.Context, topics []string, h EventHandler) error
	Unsubscribe(ctx context.Context, topics []string) error
	Close() error
}
