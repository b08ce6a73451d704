package clearnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/sasha-s/go-deadlock"
	"moltybet/engine/library"
)

var ErrDisconnected = errors.New("transport disconnected")

// Transport is a persistent bidirectional message connection to the coordinator.
// Frames is closed when the connection is lost; Err then reports why.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
	Err() error
	Close() error
}

// Dialer opens a Transport to url.
type Dialer func(ctx context.Context, url string) (Transport, error)

// Websocket is a Transport over a client websocket connection.
type Websocket struct {
	url       string
	conn      net.Conn
	rw        io.ReadWriter
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeMu   *deadlock.Mutex
	errMu     *deadlock.Mutex
	err       error
}

// lockedWriter keeps control frame replies written by the read loop from interleaving with Send.
type lockedWriter struct {
	mu *deadlock.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Dial connects to the coordinator websocket at url.
func Dial(ctx context.Context, url string) (Transport, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", url, err)
	}
	var r io.Reader = conn
	if br != nil {
		// the server may have written frames right behind the handshake response
		r = io.MultiReader(br, conn)
	}
	t := &Websocket{
		url:     url,
		conn:    conn,
		frames:  make(chan []byte, 64),
		closed:  make(chan struct{}),
		writeMu: &deadlock.Mutex{},
		errMu:   &deadlock.Mutex{},
	}
	t.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: t.writeMu, w: conn}}
	go t.readLoop()
	library.LogCLI("Connected to "+url, 4)
	return t, nil
}

func (t *Websocket) readLoop() {
	defer close(t.frames)
	for {
		data, op, err := wsutil.ReadServerData(t.rw)
		if err != nil {
			select {
			case <-t.closed:
				t.setErr(ErrDisconnected)
			default:
				library.LogCLI(fmt.Sprintf("connection to %s lost: %s", t.url, err.Error()), 2)
				t.setErr(fmt.Errorf("%w: %s", ErrDisconnected, err.Error()))
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		select {
		case t.frames <- data:
		case <-t.closed:
			t.setErr(ErrDisconnected)
			return
		}
	}
}

func (t *Websocket) Send(ctx context.Context, frame []byte) error {
	if err := t.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientText(t.conn, frame); err != nil {
		return fmt.Errorf("%w: %s", ErrDisconnected, err.Error())
	}
	return nil
}

func (t *Websocket) Frames() <-chan []byte {
	return t.frames
}

func (t *Websocket) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *Websocket) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *Websocket) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		_ = ws.WriteFrame(t.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
		t.writeMu.Unlock()
		err = t.conn.Close()
		library.LogCLI("Closed connection to "+t.url, 3)
	})
	return err
}
