package clearnet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/slices"
	"moltybet/engine/library"
)

var ErrTimeout = errors.New("timed out waiting for coordinator response")

// Match describes which inbound responses satisfy a pending request.
type Match struct {
	// Methods is the accepted method set; the first response with any of them wins.
	Methods []Method
	// RequestID, when set, must equal the response's echoed id. Notifications carry their own
	// id and are exempt.
	RequestID uint64
	// AppSessionID, when set, rejects session responses that name a different session.
	AppSessionID string
	// Statuses, when set, restricts notifications to these session statuses.
	Statuses []string
}

func (m Match) accepts(r Response) bool {
	if !slices.Contains(m.Methods, r.Method()) {
		return false
	}
	if m.RequestID != 0 && !r.Method().notification() && r.RequestID() != 0 && r.RequestID() != m.RequestID {
		return false
	}
	if ref, ok := r.(SessionReferrer); ok {
		if len(m.AppSessionID) > 0 && len(ref.SessionRef()) > 0 && !strings.EqualFold(ref.SessionRef(), m.AppSessionID) {
			return false
		}
		if r.Method().notification() && len(m.AppSessionID) > 0 && len(ref.SessionRef()) == 0 {
			return false
		}
	}
	if len(m.Statuses) > 0 && r.Method().notification() {
		if u, ok := r.(AppSessionUpdate); ok && len(u.Status) > 0 && !slices.Contains(m.Statuses, u.Status) {
			return false
		}
	}
	return true
}

type result struct {
	resp Response
	err  error
}

type waiter struct {
	match Match
	ch    chan result
}

// Correlator matches inbound frames to outstanding requests. It owns the transport's
// receive side for the lifetime of the connection.
type Correlator struct {
	transport Transport
	mu        *deadlock.Mutex
	waiters   []*waiter
	done      chan struct{}
	err       error
	discarded int
}

// NewCorrelator starts pumping t's frames.
func NewCorrelator(t Transport) *Correlator {
	c := &Correlator{
		transport: t,
		mu:        &deadlock.Mutex{},
		done:      make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *Correlator) pump() {
	for frame := range c.transport.Frames() {
		sane := library.ValidateSaneExecutionTime()
		c.dispatch(frame)
		sane()
	}
	err := c.transport.Err()
	if err == nil {
		err = ErrDisconnected
	}
	c.fail(err)
}

func (c *Correlator) dispatch(frame []byte) {
	resp, err := ParseResponse(frame)
	if err != nil {
		library.LogCLI(err.Error(), 2)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := resp.(ErrorResponse); ok {
		c.deliverError(e)
		return
	}
	for i, w := range c.waiters {
		if w.match.accepts(resp) {
			w.ch <- result{resp: resp}
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
	c.discarded++
	if u, ok := resp.(UnknownMethod); ok {
		library.LogCLI(fmt.Sprintf("discarding message with unknown method %q", u.M), 3)
		return
	}
	library.LogCLI(fmt.Sprintf("discarding unmatched %s (id %d)", resp.Method(), resp.RequestID()), 3)
}

// deliverError short-circuits the waiter that sent the failing request, or every waiter when
// the error cannot be attributed. Caller holds c.mu.
func (c *Correlator) deliverError(e ErrorResponse) {
	rpcErr := &RPCError{RequestID: e.ID, Message: e.Message}
	if e.ID != 0 {
		for i, w := range c.waiters {
			if w.match.RequestID == e.ID {
				w.ch <- result{err: rpcErr}
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				return
			}
		}
	}
	if len(c.waiters) == 0 {
		library.LogCLI("coordinator error with nothing pending: "+e.Message, 2)
		c.discarded++
		return
	}
	for _, w := range c.waiters {
		w.ch <- result{err: rpcErr}
	}
	c.waiters = nil
}

func (c *Correlator) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	for _, w := range c.waiters {
		w.ch <- result{err: err}
	}
	c.waiters = nil
	close(c.done)
}

// Pending is a registered interest in one response.
type Pending struct {
	c *Correlator
	w *waiter
}

// Expect registers interest before the request is sent so a fast response cannot be missed.
func (c *Correlator) Expect(match Match) *Pending {
	w := &waiter{match: match, ch: make(chan result, 1)}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		w.ch <- result{err: c.err}
	default:
		c.waiters = append(c.waiters, w)
	}
	return &Pending{c: c, w: w}
}

// Wait suspends until a matching response, an error response, a disconnect, ctx, or timeout.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-p.w.ch:
		return r.resp, r.err
	case <-timer.C:
		if r, ok := p.cancel(); ok {
			return r.resp, r.err
		}
		return nil, fmt.Errorf("%w: no %v within %s", ErrTimeout, p.w.match.Methods, timeout)
	case <-ctx.Done():
		if r, ok := p.cancel(); ok {
			return r.resp, r.err
		}
		return nil, ctx.Err()
	}
}

// Cancel withdraws the registration.
func (p *Pending) Cancel() {
	p.cancel()
}

// cancel deregisters and reports a result that raced in before the lock was taken.
func (p *Pending) cancel() (result, bool) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	for i, w := range p.c.waiters {
		if w == p.w {
			p.c.waiters = append(p.c.waiters[:i], p.c.waiters[i+1:]...)
			break
		}
	}
	select {
	case r := <-p.w.ch:
		return r, true
	default:
		return result{}, false
	}
}

// Done is closed once the transport is gone.
func (c *Correlator) Done() <-chan struct{} {
	return c.done
}

func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Discarded counts frames no waiter accepted.
func (c *Correlator) Discarded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discarded
}
