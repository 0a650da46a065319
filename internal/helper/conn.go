package helper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/kahiteam/nixffi/internal/events"
	"github.com/kahiteam/nixffi/internal/wire"
)

// stream is the caller's half of the socketpair.
type stream interface {
	io.ReadWriteCloser
	CloseWrite() error
	SetDeadline(t time.Time) error
}

// Conn is the caller's end of a running ffi-helper. Requests are strictly
// sequential; a Conn serializes concurrent callers.
type Conn struct {
	sem    chan struct{} // held for the duration of a request or shutdown
	s      stream
	w      *bufio.Writer
	closed bool
	broken error

	logger *slog.Logger
	bus    *events.Bus
}

func newConn(s stream, logger *slog.Logger, bus *events.Bus) *Conn {
	return &Conn{
		sem:    make(chan struct{}, 1),
		s:      s,
		w:      bufio.NewWriter(s),
		logger: logger,
		bus:    bus,
	}
}

// AddTempRoot asks the helper to register name as a temporary root and
// waits for the acknowledgement.
func (c *Conn) AddTempRoot(name []byte) error {
	return c.AddTempRootContext(context.Background(), name)
}

// AddTempRootContext is AddTempRoot bounded by ctx. A request interrupted
// by ctx leaves the stream mid-message, so the Conn is unusable afterwards.
func (c *Conn) AddTempRootContext(ctx context.Context, name []byte) error {
	if err := c.lockContext(ctx); err != nil {
		return fmt.Errorf("adding temp root: waiting for in-flight request: %w", err)
	}
	defer c.unlock()

	if c.closed {
		return ErrClosed
	}
	if c.broken != nil {
		return c.broken
	}

	stop := c.watch(ctx)
	start := time.Now()
	err := c.roundTrip(name)
	stop()
	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := interrupted(ctx, err); ctxErr != nil {
			err = fmt.Errorf("adding temp root: %w (%w)", ctxErr, err)
		} else if _, ok := err.(*ProtocolError); !ok {
			err = fmt.Errorf("adding temp root: %w", err)
		}
		c.broken = err
		c.logger.Error("temp root request failed", "name", string(name), "error", err)
		c.bus.Emit(events.TempRootFailed, events.KeyName, string(name), events.KeyError, err.Error())
		return err
	}

	c.logger.Debug("temp root added", "name", string(name), "duration", elapsed)
	c.bus.Emit(events.TempRootAdded,
		events.KeyName, string(name),
		events.KeyDuration, strconv.FormatFloat(elapsed.Seconds(), 'f', -1, 64))
	return nil
}

func (c *Conn) roundTrip(name []byte) error {
	if err := wire.WriteRequest(c.w, wire.OpAddTempRoot, name); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	status, err := wire.ReadStatus(c.s)
	if err != nil {
		return err
	}
	if status != wire.StatusOK {
		return &ProtocolError{Status: status}
	}
	return nil
}

// CloseAndWait half-closes the connection and reads until the helper
// closes its side, which it does on exit. The Conn is consumed even when
// an error is returned.
func (c *Conn) CloseAndWait() error {
	return c.CloseAndWaitContext(context.Background())
}

// CloseAndWaitContext is CloseAndWait bounded by ctx. If ctx ends while
// another request is in flight, the stream is closed under that request
// and the helper is abandoned.
func (c *Conn) CloseAndWaitContext(ctx context.Context) error {
	if err := c.lockContext(ctx); err != nil {
		return c.abandon(fmt.Errorf("waiting for in-flight request: %w", err))
	}
	defer c.unlock()

	if c.closed {
		return ErrClosed
	}
	c.closed = true
	defer c.s.Close()

	start := time.Now()
	stop := c.watch(ctx)
	err := c.shutdown()
	stop()
	if err != nil {
		if ctxErr := interrupted(ctx, err); ctxErr != nil {
			err = fmt.Errorf("%w (%w)", ctxErr, err)
		}
		c.logger.Warn("ffi-helper shutdown failed", "error", err)
		c.bus.Emit(events.HelperClosed, events.KeyError, err.Error())
		return err
	}

	elapsed := time.Since(start)
	c.logger.Info("ffi-helper exited", "duration", elapsed)
	c.bus.Emit(events.HelperClosed,
		events.KeyDuration, strconv.FormatFloat(elapsed.Seconds(), 'f', -1, 64))
	return nil
}

func (c *Conn) shutdown() error {
	if err := c.s.CloseWrite(); err != nil {
		return fmt.Errorf("half-closing ffi-helper connection: %w", err)
	}
	if _, err := io.Copy(io.Discard, c.s); err != nil {
		return fmt.Errorf("waiting for ffi-helper to exit: %w", err)
	}
	return nil
}

// Close drops the connection without waiting for the helper. The helper
// sees end of input and exits on its own.
func (c *Conn) Close() error {
	select {
	case c.sem <- struct{}{}:
	default:
		return c.abandon(nil)
	}
	defer c.unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	c.bus.Emit(events.HelperClosed, events.KeyError, "abandoned")
	return c.s.Close()
}

// abandon closes the stream under an in-flight request, then consumes the
// Conn once that request has failed. cause is returned when non-nil.
func (c *Conn) abandon(cause error) error {
	_ = c.s.Close()
	c.lock()
	defer c.unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	reason := "abandoned"
	if cause != nil {
		reason = cause.Error()
		c.logger.Warn("ffi-helper shutdown failed", "error", cause)
	}
	c.bus.Emit(events.HelperClosed, events.KeyError, reason)
	return cause
}

func (c *Conn) lock()   { c.sem <- struct{}{} }
func (c *Conn) unlock() { <-c.sem }

// lockContext acquires the Conn unless ctx ends first. A free Conn is
// acquired even when ctx is already done.
func (c *Conn) lockContext(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var aLongTimeAgo = time.Unix(1, 0)

// interrupted returns the context error responsible for err, if any. The
// socket deadline can expire a moment before ctx reports it.
func interrupted(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return nil
}

// watch applies ctx's deadline and cancellation to the stream. The
// returned function must be called before the stream is used again.
func (c *Conn) watch(ctx context.Context) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = c.s.SetDeadline(d)
	}
	if ctx.Done() == nil {
		return func() {}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = c.s.SetDeadline(aLongTimeAgo)
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
		_ = c.s.SetDeadline(time.Time{})
	}
}
