/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"context"
	"sync"
)

// Event is a payload tagged with its type.
type Event struct {
	Type    EventType
	Payload Payload
}

// Source is the subscription side of a bus.
type Source interface {
	Subscribe(eventType EventType) Subscriber
	Unsubscribe(eventType EventType, sub Subscriber)
}

// Merge subscribes to every type and forwards events on one channel until
// ctx is done. The channel is closed once all subscriptions are released.
func Merge(ctx context.Context, src Source, types ...EventType) <-chan Event {
	out := make(chan Event, 32)
	var wg sync.WaitGroup
	for _, et := range types {
		sub := src.Subscribe(et)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer src.Unsubscribe(et, sub)
			for {
				select {
				case <-ctx.Done():
					return
				case p, ok := <-sub:
					if !ok {
						return
					}
					select {
					case out <- Event{Type: et, Payload: p}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
