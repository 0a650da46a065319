package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kahiteam/nixffi/internal/api"
	"github.com/kahiteam/nixffi/internal/events"
	"github.com/kahiteam/nixffi/internal/helper"
	"github.com/kahiteam/nixffi/internal/supervisor"
)

// mockAPIServer returns a test server that mimics the control API.
func mockAPIServer() *httptest.Server {
	mux := http.NewServeMux()
	var mu sync.Mutex
	roots := []string{"/nix/store/a"}

	mux.HandleFunc("GET /api/v1/roots", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RootsStatus{Holding: true, Roots: roots})
	})

	mux.HandleFunc("POST /api/v1/roots", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Names []string `json:"names"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		added := []string{}
		for _, n := range req.Names {
			if strings.Contains(n, "bad") {
				w.WriteHeader(http.StatusBadGateway)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": fmt.Sprintf("registering temp root %q: ffi-helper rejected it", n),
					"code":  "HELPER_ERROR",
					"added": added,
				})
				return
			}
			mu.Lock()
			roots = append(roots, n)
			mu.Unlock()
			added = append(added, n)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"added": added})
	})

	mux.HandleFunc("POST /api/v1/release", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "releasing"})
	})

	mux.HandleFunc("GET /api/v1/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"version": "1.2.3"})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	return httptest.NewServer(mux)
}

func testClient(ts *httptest.Server) *Client {
	return NewTCPClient(strings.TrimPrefix(ts.URL, "http://"), "", "")
}

func TestClientAdd(t *testing.T) {
	ts := mockAPIServer()
	defer ts.Close()
	c := testClient(ts)

	added, err := c.Add([]string{"/nix/store/b", "/nix/store/c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 2 || added[1] != "/nix/store/c" {
		t.Errorf("added = %q", added)
	}
}

func TestClientAddPartialFailure(t *testing.T) {
	ts := mockAPIServer()
	defer ts.Close()
	c := testClient(ts)

	_, err := c.Add([]string{"/nix/store/ok", "/nix/store/bad"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Code != "HELPER_ERROR" {
		t.Errorf("api error = %+v", apiErr)
	}
	if len(apiErr.Added) != 1 || apiErr.Added[0] != "/nix/store/ok" {
		t.Errorf("added = %q", apiErr.Added)
	}
	if !strings.Contains(err.Error(), "rejected") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestClientRelease(t *testing.T) {
	ts := mockAPIServer()
	defer ts.Close()
	if err := testClient(ts).Release(); err != nil {
		t.Fatal(err)
	}
}

func TestClientVersion(t *testing.T) {
	ts := mockAPIServer()
	defer ts.Close()
	v, err := testClient(ts).Version()
	if err != nil {
		t.Fatal(err)
	}
	if v["version"] != "1.2.3" {
		t.Errorf("version = %v", v)
	}
}

func TestClientHealth(t *testing.T) {
	ts := mockAPIServer()
	defer ts.Close()
	status, err := testClient(ts).Health()
	if err != nil {
		t.Fatal(err)
	}
	if status != "ok" {
		t.Errorf("status = %q", status)
	}
}

func TestClientStatus(t *testing.T) {
	ts := mockAPIServer()
	defer ts.Close()

	var buf bytes.Buffer
	if err := testClient(ts).Status(false, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "state: HOLDING, 1 temp roots") {
		t.Errorf("missing state line:\n%s", out)
	}
	if !strings.Contains(out, "TEMP ROOT") || !strings.Contains(out, "/nix/store/a") {
		t.Errorf("missing table:\n%s", out)
	}
	if strings.Contains(out, "\033[") {
		t.Error("color codes written to a non-terminal")
	}
}

func TestClientStatusJSON(t *testing.T) {
	ts := mockAPIServer()
	defer ts.Close()

	var buf bytes.Buffer
	if err := testClient(ts).Status(true, &buf); err != nil {
		t.Fatal(err)
	}
	var st RootsStatus
	if err := json.Unmarshal(buf.Bytes(), &st); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}
	if !st.Holding || len(st.Roots) != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestStatusTableFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := formatStatusTable(RootsStatus{}, &buf, false); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "state: RELEASED, 0 temp roots\n" {
		t.Errorf("empty table = %q", got)
	}

	buf.Reset()
	if err := formatStatusTable(RootsStatus{Holding: true, Roots: []string{"a", "b"}}, &buf, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), colorState("HOLDING")) {
		t.Errorf("expected colored state:\n%q", buf.String())
	}
	if !strings.Contains(buf.String(), "2  b") {
		t.Errorf("expected numbered rows:\n%s", buf.String())
	}
}

func TestColorState(t *testing.T) {
	if got := colorState("HOLDING"); got != "\033[32mHOLDING\033[0m" {
		t.Errorf("HOLDING = %q", got)
	}
	if got := colorState("RELEASED"); got != "\033[33mRELEASED\033[0m" {
		t.Errorf("RELEASED = %q", got)
	}
	if got := colorState("OTHER"); got != "OTHER" {
		t.Errorf("OTHER = %q", got)
	}
}

func TestIsTerminalBuffer(t *testing.T) {
	var buf bytes.Buffer
	if isTerminal(&buf) {
		t.Fatal("bytes.Buffer should not be detected as terminal")
	}
}

func TestNewLineScannerBasic(t *testing.T) {
	sc := newLineScanner(strings.NewReader("line1\nline2\nline3\n"))
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 || lines[0] != "line1" {
		t.Fatalf("lines = %q", lines)
	}
}

func TestClientConnectionFailure(t *testing.T) {
	c := NewUnixClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.Roots()
	if err == nil || !strings.Contains(err.Error(), "connection failed") {
		t.Fatalf("error = %v", err)
	}
}

func TestClientErrorNonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := testClient(ts).Release()
	if err == nil || err.Error() != "server error (status 500)" {
		t.Fatalf("error = %v", err)
	}
}

func TestClientBasicAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/release", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "releasing"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")
	if err := NewTCPClient(addr, "admin", "secret").Release(); err != nil {
		t.Fatal(err)
	}
	if err := NewTCPClient(addr, "admin", "wrong").Release(); err == nil || err.Error() != "unauthorized" {
		t.Fatalf("error = %v, want unauthorized", err)
	}
}

func TestClientEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/events/stream", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("types"); got != "TEMPROOT_ADDED" {
			http.Error(w, "bad filter "+got, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: TEMPROOT_ADDED\ndata: {\"name\":\"/nix/store/a\"}\n\n")
		w.(http.Flusher).Flush()
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	if err := testClient(ts).Events(ctx, []string{"TEMPROOT_ADDED"}, &buf); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "TEMPROOT_ADDED {\"name\":\"/nix/store/a\"}\n" {
		t.Errorf("events output = %q", got)
	}
}

func TestClientEventsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/events/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown event type: nope"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	err := testClient(ts).Events(context.Background(), []string{"nope"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "unknown event type") {
		t.Fatalf("error = %v", err)
	}
}

// TestClientAgainstRunner drives a real control server backed by a Runner
// holding a mock helper session.
func TestClientAgainstRunner(t *testing.T) {
	sess := &supervisor.MockSession{}
	bus := events.NewBus(nil)
	r := &supervisor.Runner{
		Spawner: &supervisor.MockSpawner{SpawnFn: func(helper.Options) (supervisor.Session, error) { return sess, nil }},
		Bus:     bus,
	}

	srv := api.NewServer(api.Config{}, r, bus, nil)
	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	if err := srv.StartUnix(sockPath, 0o700); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = srv.Stop(context.Background()) }()

	done := make(chan error, 1)
	go func() { done <- r.Hold(context.Background(), [][]byte{[]byte("/nix/store/first")}) }()

	c := NewUnixClient(sockPath)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if status, _ := c.Health(); status == "ok" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("hold never became healthy")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := c.Add([]string{"/nix/store/second"}); err != nil {
		t.Fatal(err)
	}
	st, err := c.Roots()
	if err != nil {
		t.Fatal(err)
	}
	if !st.Holding || len(st.Roots) != 2 || st.Roots[1] != "/nix/store/second" {
		t.Errorf("roots = %+v", st)
	}

	if err := c.Release(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Hold: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hold did not end after release")
	}
	if !sess.Waited() {
		t.Error("ffi-helper was not shut down")
	}

	_, err = c.Add([]string{"/nix/store/late"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("Add after release = %v, want 409", err)
	}
}
