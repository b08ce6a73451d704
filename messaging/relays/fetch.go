package relays

import (
	"context"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sasha-s/go-deadlock"
	"moltybet/engine/library"
)

// FetchAnnouncements collects molty notes by author from every relay until each relay has
// been quiet for wait, newest first.
func FetchAnnouncements(ctx context.Context, relays []string, author string, wait time.Duration) []nostr.Event {
	sane := library.ValidateSaneExecutionTime()
	defer sane()
	events := make(map[string]nostr.Event)
	eventsMu := &deadlock.Mutex{}
	filters := nostr.Filters{
		nostr.Filter{
			Kinds:   []int{1},
			Authors: []string{author},
			Tags:    nostr.TagMap{"t": []string{topic}},
		}}
	wg := &deadlock.WaitGroup{}
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			relay, err := nostr.RelayConnect(ctx, url)
			if err != nil {
				library.LogCLI(err.Error(), 3)
				return
			}
			defer relay.Close()
			ctxsub, cancel := context.WithTimeout(ctx, wait*3)
			defer cancel()
			sub, err := relay.Subscribe(ctxsub, filters)
			if err != nil {
				library.LogCLI(err.Error(), 2)
				return
			}
			defer sub.Close()
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					eventsMu.Lock()
					events[ev.ID] = *ev
					eventsMu.Unlock()
				case <-time.After(wait):
					return
				case <-ctxsub.Done():
					return
				}
			}
		}(url)
	}
	wg.Wait()
	out := make([]nostr.Event, 0, len(events))
	for _, e := range events {
		if ok, err := e.CheckSignature(); err == nil && ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}
