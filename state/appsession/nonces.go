package appsession

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sasha-s/go-deadlock"
)

type pair [2]common.Address

func pairOf(a, b common.Address) pair {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return pair{a, b}
}

// Nonces hands out strictly increasing session nonces per participant pair.
type Nonces struct {
	mu     *deadlock.Mutex
	issued map[pair]uint64
	used   map[pair]uint64
}

func NewNonces() *Nonces {
	return &Nonces{
		mu:     &deadlock.Mutex{},
		issued: make(map[pair]uint64),
		used:   make(map[pair]uint64),
	}
}

// Next is the current time in milliseconds, bumped past anything already issued for the pair.
func (n *Nonces) Next(a, b common.Address, now time.Time) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := pairOf(a, b)
	next := uint64(now.UnixMilli())
	floor := n.issued[key]
	if n.used[key] > floor {
		floor = n.used[key]
	}
	if next <= floor {
		next = floor + 1
	}
	n.issued[key] = next
	return next
}

// Observe records nonce as sent, failing if it does not advance past the last one sent.
func (n *Nonces) Observe(a, b common.Address, nonce uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := pairOf(a, b)
	if nonce <= n.used[key] {
		return fmt.Errorf("%w: %d <= %d", ErrStaleNonce, nonce, n.used[key])
	}
	n.used[key] = nonce
	return nil
}
