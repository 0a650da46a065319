// Package ctl implements the CLI control client for a running temp root
// hold, over its Unix socket or TCP API.
package ctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
)

// Client communicates with the control API of a temp root hold.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// NewUnixClient creates a client that connects via Unix socket.
func NewUnixClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		baseURL: "http://unix",
	}
}

// NewTCPClient creates a client that connects via TCP.
func NewTCPClient(addr, username, password string) *Client {
	return &Client{
		httpClient: &http.Client{},
		baseURL:    "http://" + addr,
		username:   username,
		password:   password,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.httpClient.Do(req)
}

// requestTimeout bounds calls that do not stream.
const requestTimeout = 30 * time.Second

func (c *Client) doJSON(method, path string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

// APIError is an error response from the control API.
type APIError struct {
	Status  int
	Code    string
	Message string
	// Added lists the names registered before a batch failed.
	Added []string
}

func (e *APIError) Error() string {
	return e.Message
}

func decodeError(status int, data []byte) error {
	var body struct {
		Error string   `json:"error"`
		Code  string   `json:"code"`
		Added []string `json:"added"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return &APIError{Status: status, Message: fmt.Sprintf("server error (status %d)", status)}
	}
	return &APIError{Status: status, Code: body.Code, Message: body.Error, Added: body.Added}
}

// RootsStatus is the JSON structure returned by GET /api/v1/roots.
type RootsStatus struct {
	Holding bool     `json:"holding"`
	Roots   []string `json:"roots"`
}

// --- Temp root operations ---

// Add registers names with the holding ffi-helper and returns the names
// it accepted. On failure the returned error is an *APIError whose Added
// field lists the names registered before the failing one.
func (c *Client) Add(names []string) ([]string, error) {
	body, err := json.Marshal(map[string][]string{"names": names})
	if err != nil {
		return nil, err
	}
	var out struct {
		Added []string `json:"added"`
	}
	if err := c.doJSON("POST", "/api/v1/roots", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return out.Added, nil
}

// Roots returns the hold state and its registered names.
func (c *Client) Roots() (RootsStatus, error) {
	var st RootsStatus
	err := c.doJSON("GET", "/api/v1/roots", nil, &st)
	return st, err
}

// Release ends the hold and shuts the ffi-helper down.
func (c *Client) Release() error {
	return c.doJSON("POST", "/api/v1/release", nil, nil)
}

// Version returns build information of the holding process.
func (c *Client) Version() (map[string]string, error) {
	var v map[string]string
	err := c.doJSON("GET", "/api/v1/version", nil, &v)
	return v, err
}

// Health checks whether the hold is alive.
func (c *Client) Health() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := c.do(ctx, "GET", "/healthz", nil)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	return body["status"], nil
}

// --- Status display ---

// Status retrieves and formats the held roots.
func (c *Client) Status(jsonOutput bool, w io.Writer) error {
	st, err := c.Roots()
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	return formatStatusTable(st, w, isTerminal(w))
}

func formatStatusTable(st RootsStatus, w io.Writer, color bool) error {
	state := "RELEASED"
	if st.Holding {
		state = "HOLDING"
	}
	if color {
		state = colorState(state)
	}
	fmt.Fprintf(w, "state: %s, %d temp roots\n", state, len(st.Roots))
	if len(st.Roots) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tTEMP ROOT\n")
	for i, r := range st.Roots {
		fmt.Fprintf(tw, "%d\t%s\n", i+1, r)
	}
	return tw.Flush()
}

func colorState(state string) string {
	switch state {
	case "HOLDING":
		return "\033[32m" + state + "\033[0m"
	case "RELEASED":
		return "\033[33m" + state + "\033[0m"
	default:
		return state
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// --- Event streaming ---

// Events streams lifecycle events as "TYPE data" lines until ctx is done
// or the server ends the stream. types filters by event type.
func (c *Client) Events(ctx context.Context, types []string, w io.Writer) error {
	path := "/api/v1/events/stream"
	if len(types) > 0 {
		path += "?types=" + strings.Join(types, ",")
	}
	resp, err := c.do(ctx, "GET", path, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, data)
	}

	// Parse SSE stream.
	sc := newLineScanner(resp.Body)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			fmt.Fprintf(w, "%s %s\n", event, line[len("data: "):])
		case line == "":
			event = ""
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return sc
}
