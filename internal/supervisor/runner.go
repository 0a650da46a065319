package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kahiteam/nixffi/internal/events"
	"github.com/kahiteam/nixffi/internal/helper"
	"github.com/kahiteam/nixffi/internal/logging"
)

// ErrNotHolding is returned by Add when no hold is in progress.
var ErrNotHolding = errors.New("no ffi-helper is holding temp roots")

// Runner keeps one ffi-helper alive and registers temp roots with it.
type Runner struct {
	Spawner Spawner
	Options helper.Options

	// RequestTimeout bounds each add-temp-root request. Zero means no limit.
	RequestTimeout time.Duration
	// ShutdownTimeout bounds the final handshake. Zero means no limit.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
	Bus    *events.Bus

	mu      sync.Mutex
	sess    Session
	roots   []string
	done    chan struct{}
	stopped bool
	failed  error
}

// NewRunner creates a Runner using the real helper spawner.
func NewRunner(opts helper.Options) *Runner {
	return &Runner{
		Spawner: HelperSpawner{},
		Options: opts,
		Logger:  opts.Logger,
		Bus:     opts.Events,
	}
}

// Hold spawns the helper, registers names, and blocks until ctx is done
// or Release is called. The helper is then shut down and the roots are
// released.
func (r *Runner) Hold(ctx context.Context, names [][]byte) error {
	return r.HoldLines(ctx, names, nil)
}

// HoldLines is Hold that also registers one name per line read from src
// as lines arrive. Blank lines are skipped. When src is exhausted the
// helper is shut down without waiting for ctx. If the hold ends first,
// reading from src is interrupted when src supports read deadlines.
func (r *Runner) HoldLines(ctx context.Context, names [][]byte, src io.Reader) error {
	logger := r.logger()

	sess, err := r.Spawner.Spawn(ctx, r.Options)
	if err != nil {
		return err
	}
	done := r.begin(sess)

	for _, name := range names {
		if err := r.Add(ctx, name); err != nil {
			r.end()
			_ = sess.Close()
			return err
		}
	}

	logger.Info("holding temp roots", "roots", r.held())
	r.Bus.Emit(events.HoldStarted, events.KeyRoots, strconv.Itoa(r.held()))

	if src != nil {
		err = r.follow(ctx, done, src)
	} else {
		select {
		case <-ctx.Done():
		case <-done:
		}
	}

	if ferr := r.end(); ferr != nil && err == nil {
		err = ferr
	}
	held := strconv.Itoa(r.held())
	if err != nil {
		_ = sess.Close()
		r.Bus.Emit(events.HoldStopping, events.KeyRoots, held, events.KeyError, err.Error())
		return err
	}

	logger.Info("releasing temp roots", "roots", held)
	r.Bus.Emit(events.HoldStopping, events.KeyRoots, held)
	return r.shutdown(ctx, sess)
}

// Add registers name with the helper of the hold in progress. A failed
// request ends the hold, since the helper connection is no longer usable.
func (r *Runner) Add(ctx context.Context, name []byte) error {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return ErrNotHolding
	}

	err := r.add(ctx, sess, name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if r.failed == nil {
			r.failed = err
		}
		r.stopLocked()
		return err
	}
	r.roots = append(r.roots, string(name))
	return nil
}

// Roots returns the names registered by the current or last hold, in
// registration order.
func (r *Runner) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.roots...)
}

// Holding reports whether a hold is in progress.
func (r *Runner) Holding() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess != nil
}

// Release ends the hold in progress as if its context were cancelled.
// It is a no-op when nothing is held.
func (r *Runner) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		r.stopLocked()
	}
}

func (r *Runner) begin(sess Session) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sess = sess
	r.roots = nil
	r.done = make(chan struct{})
	r.stopped = false
	r.failed = nil
	return r.done
}

// end detaches the session so later Add calls fail fast, and returns the
// first request failure seen during the hold.
func (r *Runner) end() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sess = nil
	r.stopLocked()
	return r.failed
}

func (r *Runner) stopLocked() {
	if !r.stopped && r.done != nil {
		r.stopped = true
		close(r.done)
	}
}

func (r *Runner) held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.roots)
}

// deadlineReader is implemented by *os.File and net.Conn.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// follow registers lines from src until it is exhausted, ctx is done or
// the hold is released. On return a src with read deadlines is expired so
// the reading goroutine exits; with any other src it stays blocked in Read
// until src returns.
func (r *Runner) follow(ctx context.Context, done <-chan struct{}, src io.Reader) error {
	if dr, ok := src.(deadlineReader); ok {
		defer func() { _ = dr.SetReadDeadline(time.Unix(1, 0)) }()
	}
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(src)
		for sc.Scan() {
			line := bytes.TrimSuffix(sc.Bytes(), []byte("\r"))
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case name, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("reading temp root names: %w", err)
					}
				default:
				}
				return nil
			}
			if err := r.Add(ctx, name); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) add(ctx context.Context, sess Session, name []byte) error {
	if r.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.RequestTimeout)
		defer cancel()
	}
	if err := sess.AddTempRootContext(ctx, name); err != nil {
		return fmt.Errorf("registering temp root %q: %w", name, err)
	}
	return nil
}

// shutdown runs the close handshake. It is detached from ctx, which is
// usually already cancelled by the time the hold ends.
func (r *Runner) shutdown(ctx context.Context, sess Session) error {
	sctx := context.WithoutCancel(ctx)
	if r.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, r.ShutdownTimeout)
		defer cancel()
	}
	err := sess.CloseAndWaitContext(sctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ffi-helper did not exit within %s: %w", r.ShutdownTimeout, err)
	}
	return err
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return logging.Discard()
	}
	return r.Logger
}
