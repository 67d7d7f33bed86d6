package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"agent-relay/internal/event"
)

// Conn is an open transport-level stream. Recv returns io.EOF when the
// remote ends the stream normally.
type Conn interface {
	Recv() (event.RawEvent, error)
	Close() error
}

// Stream is a lazy, one-pass sequence of raw events. It must be consumed by
// a single goroutine. Close may be called from any goroutine at any time to
// abandon the stream and release the connection.
type Stream struct {
	transport string
	ctx       context.Context
	cancel    context.CancelFunc
	conn      Conn
	observer  Observer

	cur       event.RawEvent
	err       error
	done      atomic.Bool
	closeOnce sync.Once
}

func newStream(ctx context.Context, cancel context.CancelFunc, transport string, conn Conn, observer Observer) *Stream {
	return &Stream{
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		conn:      conn,
		observer:  observer,
	}
}

// Transport names the transport that produced the stream.
func (s *Stream) Transport() string {
	return s.transport
}

// Next advances to the next raw event. It returns false at the end of the
// stream or on the first error, after which the stream is closed.
func (s *Stream) Next() bool {
	if s.done.Load() {
		return false
	}
	ev, err := s.conn.Recv()
	if err != nil {
		if s.done.Swap(true) {
			// Closed underneath the read.
			return false
		}
		if !errors.Is(err, io.EOF) {
			s.err = classify(s.ctx, s.transport, err)
			reportFailure(s.observer, s.transport, s.err)
		}
		_ = s.Close()
		return false
	}
	s.cur = ev
	return true
}

// Current returns the event read by the last successful Next.
func (s *Stream) Current() event.RawEvent {
	return s.cur
}

// Err returns the error that ended the stream, or nil on normal completion.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the underlying connection. It is idempotent.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done.Store(true)
		err = s.conn.Close()
		s.cancel()
	})
	return err
}

func reportFailure(observer Observer, transport string, err error) {
	if observer == nil {
		return
	}
	var te *TransportError
	if errors.As(err, &te) {
		observer.StreamFailed(transport, te.Reason())
		return
	}
	if errors.Is(err, context.Canceled) {
		observer.StreamFailed(transport, "cancelled")
		return
	}
	observer.StreamFailed(transport, "stream")
}

// classify turns deadline expiry into a timeout TransportError and read
// failures into a status-less one. Caller cancellation passes through.
func classify(ctx context.Context, transport string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TransportError{Transport: transport, Timeout: true, Err: err}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s stream cancelled: %w", transport, context.Canceled)
	}
	return &TransportError{Transport: transport, Err: err}
}
