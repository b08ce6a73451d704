package relays

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"moltybet/engine/identity"
	"moltybet/engine/library"
	"moltybet/state/markets"
)

const topic = "molty"

// Announcer signs market notes with the root identity's key and publishes them best-effort.
type Announcer struct {
	secret  string
	pubkey  string
	relays  []string
	publish Publisher
}

// NewAnnouncer returns nil when there are no relays; a nil Announcer ignores every call.
func NewAnnouncer(id identity.Identity, relays []string, publish Publisher) (*Announcer, error) {
	if len(relays) == 0 {
		return nil, nil
	}
	pub, err := nostr.GetPublicKey(id.NostrSecret())
	if err != nil {
		return nil, err
	}
	if publish == nil {
		publish = PublishToRelay
	}
	return &Announcer{secret: id.NostrSecret(), pubkey: pub, relays: relays, publish: publish}, nil
}

func (a *Announcer) PubKey() string {
	if a == nil {
		return ""
	}
	return a.pubkey
}

func (a *Announcer) event(content string, tags nostr.Tags, at time.Time) (nostr.Event, error) {
	e := nostr.Event{
		PubKey:    a.pubkey,
		CreatedAt: nostr.Timestamp(at.Unix()),
		Kind:      1,
		Tags:      tags,
		Content:   content,
	}
	if err := e.Sign(a.secret); err != nil {
		return nostr.Event{}, err
	}
	return e, nil
}

func marketTags(m markets.Market) nostr.Tags {
	tags := nostr.Tags{
		nostr.Tag{"t", topic},
		nostr.Tag{"market", m.ID},
	}
	if len(m.AppSessionID) > 0 {
		tags = append(tags, nostr.Tag{"session", m.AppSessionID})
	}
	return tags
}

// OpenedEvent is the note announcing a new market.
func (a *Announcer) OpenedEvent(m markets.Market) (nostr.Event, error) {
	p := m.Prediction
	content := fmt.Sprintf("New prediction: %s (%s %s %s, stake %s at x%s, expires %s)",
		p.Question, p.Asset, p.Direction, p.TargetPrice.String(), p.Amount.String(), p.Multiplier.String(), p.ExpiresAt.UTC().Format(time.RFC3339))
	return a.event(content, marketTags(m), m.CreatedAt)
}

// ResolvedEvent is the note announcing a market's outcome.
func (a *Announcer) ResolvedEvent(m markets.Market) (nostr.Event, error) {
	price := "n/a"
	if m.FinalPrice.Valid {
		price = m.FinalPrice.Decimal.String()
	}
	tags := append(marketTags(m), nostr.Tag{"outcome", string(m.Outcome)})
	at := time.Now()
	if m.ResolvedAt != nil {
		at = *m.ResolvedAt
	}
	return a.event(fmt.Sprintf("Resolved: %s -> %s at %s", m.Prediction.Question, m.Outcome, price), tags, at)
}

// MarketOpened announces m. It never fails the caller.
func (a *Announcer) MarketOpened(ctx context.Context, m markets.Market) {
	if a == nil {
		return
	}
	e, err := a.OpenedEvent(m)
	a.send(ctx, e, err)
}

// MarketResolved announces m's outcome. It never fails the caller.
func (a *Announcer) MarketResolved(ctx context.Context, m markets.Market) {
	if a == nil {
		return
	}
	e, err := a.ResolvedEvent(m)
	a.send(ctx, e, err)
}

func (a *Announcer) send(ctx context.Context, e nostr.Event, err error) {
	if err != nil {
		library.LogCLI("could not build announcement: "+err.Error(), 2)
		return
	}
	n := PublishToRelays(ctx, a.publish, []nostr.Event{e}, a.relays)
	library.LogCLI(fmt.Sprintf("announced %s on %d/%d relays", e.ID, n, len(a.relays)), 3)
}
