// Package relays announces market openings and resolutions as nostr notes and reads them back.
package relays

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"moltybet/engine/library"
)

// Publisher sends one event to one relay.
type Publisher func(ctx context.Context, relay string, event nostr.Event) error

// PublishToRelay connects to relay and publishes event.
func PublishToRelay(ctx context.Context, relay string, event nostr.Event) error {
	conn, err := nostr.RelayConnect(ctx, relay)
	if err != nil {
		return fmt.Errorf("could not connect to relay %s: %w", relay, err)
	}
	defer conn.Close()
	if _, err := conn.Publish(ctx, event); err != nil {
		return fmt.Errorf("could not publish to relay %s: %w", relay, err)
	}
	return nil
}

// PublishToRelays publishes events to every relay in parallel and reports how many relays took
// all of them. Failures are logged, never returned.
func PublishToRelays(ctx context.Context, publish Publisher, events []nostr.Event, relays []string) int {
	var wg = &deadlock.WaitGroup{}
	var mu = &deadlock.Mutex{}
	accepted := 0
	for _, relay := range relays {
		wg.Add(1)
		go func(relay string) {
			defer wg.Done()
			for _, event := range events {
				pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err := publish(pubCtx, relay, event)
				cancel()
				if err != nil {
					library.LogCLI(err.Error(), 2)
					return
				}
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}(relay)
	}
	wg.Wait()
	return accepted
}
