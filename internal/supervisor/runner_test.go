package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kahiteam/nixffi/internal/events"
	"github.com/kahiteam/nixffi/internal/helper"
)

func newTestRunner(sess *MockSession) (*Runner, *MockSpawner) {
	sp := &MockSpawner{SpawnFn: func(helper.Options) (Session, error) { return sess, nil }}
	return &Runner{Spawner: sp, Logger: testLogger()}, sp
}

func names(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func TestHoldRegistersAndReleases(t *testing.T) {
	sess := &MockSession{}
	r, sp := newTestRunner(sess)
	r.Options = helper.Options{PluginDir: "/opt/nix-ffi/lib/nix/plugins"}

	bus := events.NewBus(nil)
	r.Bus = bus
	var mu sync.Mutex
	var seen []events.EventType
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}, events.HoldStarted, events.HoldStopping)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Hold(ctx, names("/nix/store/a", "/nix/store/b")) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(sess.Added()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sess.Waited() {
		t.Fatal("helper shut down before the context was cancelled")
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if got := sess.Added(); len(got) != 2 || string(got[0]) != "/nix/store/a" || string(got[1]) != "/nix/store/b" {
		t.Errorf("added = %q", got)
	}
	if !sess.Waited() {
		t.Error("CloseAndWait was not called")
	}
	if sess.Abandoned() {
		t.Error("session abandoned on a clean hold")
	}
	if len(sp.SpawnCalls) != 1 || sp.SpawnCalls[0].PluginDir != "/opt/nix-ffi/lib/nix/plugins" {
		t.Errorf("spawn calls = %+v", sp.SpawnCalls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != events.HoldStarted || seen[1] != events.HoldStopping {
		t.Errorf("events = %v", seen)
	}
}

func TestHoldSpawnFailure(t *testing.T) {
	want := errors.New("no helper")
	sp := &MockSpawner{SpawnFn: func(helper.Options) (Session, error) { return nil, want }}
	r := &Runner{Spawner: sp}

	if err := r.Hold(context.Background(), names("x")); !errors.Is(err, want) {
		t.Fatalf("Hold error = %v, want %v", err, want)
	}
}

func TestHoldAddFailureAbandons(t *testing.T) {
	sess := &MockSession{AddFn: func(name []byte) error {
		if string(name) == "bad" {
			return &helper.ProtocolError{Status: 1}
		}
		return nil
	}}
	r, _ := newTestRunner(sess)

	err := r.Hold(context.Background(), names("good", "bad", "never"))
	if !errors.Is(err, helper.ErrFatal) {
		t.Fatalf("Hold error = %v, want ErrFatal", err)
	}
	if !strings.Contains(err.Error(), `"bad"`) {
		t.Errorf("error should name the root: %v", err)
	}
	if !sess.Abandoned() {
		t.Error("session should be abandoned after a failed request")
	}
	if sess.Waited() {
		t.Error("CloseAndWait should not run after a failed request")
	}
	if got := sess.Added(); len(got) != 1 {
		t.Errorf("added = %q, want only the first name", got)
	}
}

func TestHoldLinesUntilEOF(t *testing.T) {
	sess := &MockSession{}
	r, _ := newTestRunner(sess)

	src := strings.NewReader("/nix/store/x\r\n\n/nix/store/y\n")
	if err := r.HoldLines(context.Background(), names("/nix/store/first"), src); err != nil {
		t.Fatal(err)
	}

	got := sess.Added()
	want := []string{"/nix/store/first", "/nix/store/x", "/nix/store/y"}
	if len(got) != len(want) {
		t.Fatalf("added = %q, want %q", got, want)
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Errorf("added[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !sess.Waited() {
		t.Error("CloseAndWait was not called after EOF")
	}
}

func TestHoldLinesCancelled(t *testing.T) {
	sess := &MockSession{}
	r, _ := newTestRunner(sess)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.HoldLines(ctx, nil, pr) }()

	if _, err := pw.Write([]byte("one\n")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(sess.Added()) < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("HoldLines did not return after cancel")
	}
	if !sess.Waited() {
		t.Error("CloseAndWait was not called after cancel")
	}
}

// signalingFile reports when a Read on the wrapped file fails.
type signalingFile struct {
	*os.File
	failed chan struct{}
	once   sync.Once
}

func (f *signalingFile) Read(p []byte) (int, error) {
	n, err := f.File.Read(p)
	if err != nil {
		f.once.Do(func() { close(f.failed) })
	}
	return n, err
}

func TestHoldLinesStopsReading(t *testing.T) {
	sess := &MockSession{}
	r, _ := newTestRunner(sess)

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pr.Close()
	defer pw.Close()
	src := &signalingFile{File: pr, failed: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.HoldLines(ctx, nil, src) }()
	waitHolding(t, r)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("HoldLines did not return after cancel")
	}
	select {
	case <-src.failed:
	case <-time.After(5 * time.Second):
		t.Fatal("reader still blocked after the hold ended")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestHoldLinesReadError(t *testing.T) {
	sess := &MockSession{}
	r, _ := newTestRunner(sess)

	err := r.HoldLines(context.Background(), nil, errReader{})
	if err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("HoldLines error = %v", err)
	}
	if !sess.Abandoned() {
		t.Error("session should be abandoned on a read error")
	}
}

func TestHoldRequestTimeout(t *testing.T) {
	sess := &MockSession{}
	sess.AddFn = func([]byte) error { return nil }
	var gotDeadline bool
	sp := &MockSpawner{SpawnFn: func(helper.Options) (Session, error) {
		return sessionFunc{
			MockSession: sess,
			add: func(ctx context.Context) {
				_, gotDeadline = ctx.Deadline()
			},
		}, nil
	}}
	r := &Runner{Spawner: sp, RequestTimeout: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Hold(ctx, names("x")); err != nil {
		t.Fatal(err)
	}
	if !gotDeadline {
		t.Error("request context carried no deadline")
	}
}

func TestHoldShutdownTimeout(t *testing.T) {
	sess := &MockSession{ShutdownFn: func() error {
		return context.DeadlineExceeded
	}}
	r, _ := newTestRunner(sess)
	r.ShutdownTimeout = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Hold(ctx, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Hold error = %v, want DeadlineExceeded", err)
	}
	if !strings.Contains(err.Error(), "did not exit within 2s") {
		t.Errorf("error = %v", err)
	}
}

func TestShutdownIgnoresCancelledContext(t *testing.T) {
	var shutdownErr error
	sess := &MockSession{}
	sp := &MockSpawner{SpawnFn: func(helper.Options) (Session, error) {
		return sessionFunc{
			MockSession: sess,
			closeWait: func(ctx context.Context) {
				shutdownErr = ctx.Err()
			},
		}, nil
	}}
	r := &Runner{Spawner: sp}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Hold(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if shutdownErr != nil {
		t.Errorf("shutdown context already done: %v", shutdownErr)
	}
}

// sessionFunc lets a test observe the contexts passed to a MockSession.
type sessionFunc struct {
	*MockSession
	add       func(ctx context.Context)
	closeWait func(ctx context.Context)
}

func (s sessionFunc) AddTempRootContext(ctx context.Context, name []byte) error {
	if s.add != nil {
		s.add(ctx)
	}
	return s.MockSession.AddTempRootContext(ctx, name)
}

func (s sessionFunc) CloseAndWaitContext(ctx context.Context) error {
	if s.closeWait != nil {
		s.closeWait(ctx)
	}
	return s.MockSession.CloseAndWaitContext(ctx)
}

func TestNewRunnerUsesHelperSpawner(t *testing.T) {
	bus := events.NewBus(nil)
	r := NewRunner(helper.Options{Events: bus, Logger: testLogger()})
	if _, ok := r.Spawner.(HelperSpawner); !ok {
		t.Errorf("spawner = %T, want HelperSpawner", r.Spawner)
	}
	if r.Bus != bus {
		t.Error("runner bus not taken from options")
	}
}

func waitHolding(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !r.Holding() {
		if time.Now().After(deadline) {
			t.Fatal("hold never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddWhileHolding(t *testing.T) {
	sess := &MockSession{}
	r, _ := newTestRunner(sess)

	if err := r.Add(context.Background(), []byte("early")); !errors.Is(err, ErrNotHolding) {
		t.Fatalf("Add before hold = %v, want ErrNotHolding", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Hold(ctx, names("/nix/store/a")) }()
	waitHolding(t, r)

	if err := r.Add(ctx, []byte("/nix/store/b")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := r.Roots(); len(got) != 2 || got[1] != "/nix/store/b" {
		t.Errorf("Roots() = %q", got)
	}

	r.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Hold: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Hold did not return after Release")
	}
	if !sess.Waited() {
		t.Error("CloseAndWait was not called after Release")
	}
	if r.Holding() {
		t.Error("still holding after Release")
	}
	if err := r.Add(ctx, []byte("late")); !errors.Is(err, ErrNotHolding) {
		t.Errorf("Add after hold = %v, want ErrNotHolding", err)
	}
	if got := r.Roots(); len(got) != 2 {
		t.Errorf("Roots() after hold = %q", got)
	}
}

func TestAddFailureEndsHold(t *testing.T) {
	sess := &MockSession{AddFn: func(name []byte) error {
		if string(name) == "bad" {
			return helper.ErrClosed
		}
		return nil
	}}
	r, _ := newTestRunner(sess)

	done := make(chan error, 1)
	go func() { done <- r.Hold(context.Background(), nil) }()
	waitHolding(t, r)

	if err := r.Add(context.Background(), []byte("bad")); !errors.Is(err, helper.ErrClosed) {
		t.Fatalf("Add = %v, want ErrClosed", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, helper.ErrClosed) {
			t.Fatalf("Hold error = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Hold did not end after a failed Add")
	}
	if !sess.Abandoned() {
		t.Error("session should be abandoned")
	}
}

func TestReleaseWithoutHold(t *testing.T) {
	r := &Runner{}
	r.Release()
	if r.Holding() {
		t.Error("Holding() = true on an idle runner")
	}
}
