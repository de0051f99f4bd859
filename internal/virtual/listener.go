package virtual

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// tracker owns a listening socket and every connection accepted from it so
// that shutdown can close them all.
type tracker struct {
	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func (t *tracker) setListener(l net.Listener) {
	t.mu.Lock()
	t.listener = l
	t.conns = make(map[net.Conn]struct{})
	t.closed = false
	t.mu.Unlock()
}

// Addr returns the bound address, or nil before Listen.
func (t *tracker) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// track registers c for shutdown. It returns false once shut down.
func (t *tracker) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *tracker) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *tracker) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.listener != nil {
		t.listener.Close()
	}
	for c := range t.conns {
		c.Close()
	}
	clear(t.conns)
}

// serve runs the accept loop until ctx is cancelled or the listener fails,
// one goroutine per connection, and waits for all handlers before returning.
func (t *tracker) serve(ctx context.Context, logger *slog.Logger, handle func(ctx context.Context, c net.Conn)) error {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l == nil {
		return errors.New("serve before listen")
	}

	stop := context.AfterFunc(ctx, t.shutdown)
	defer stop()

	var acceptErr error
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("accept failed", "err", err)
				acceptErr = err
			}
			t.shutdown()
			break
		}
		if !t.track(conn) {
			conn.Close()
			break
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.untrack(conn)
			defer conn.Close()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("session panic", "peer", conn.RemoteAddr().String(), "panic", r)
				}
			}()
			handle(ctx, conn)
		}()
	}
	t.wg.Wait()
	return acceptErr
}
