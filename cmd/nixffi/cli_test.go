package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kahiteam/nixffi/internal/api"
	"github.com/kahiteam/nixffi/internal/config"
	"github.com/kahiteam/nixffi/internal/helper"
	"github.com/kahiteam/nixffi/internal/supervisor"
)

func TestRootCommandHelp(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"--help"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, sub := range []string{"check", "temproot", "testsuite", "ctl", "hash-password", "version", "init", "completion"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"version"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{"nixffi", "commit:", "built:", "go:", "os/arch:", "plugins:"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q", want)
		}
	}
}

func TestUnknownSubcommand(t *testing.T) {
	rootCmd.SetOut(new(bytes.Buffer))
	rootCmd.SetArgs([]string{"nonexistent"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for unknown subcommand")
	}
}

func TestInitStdout(t *testing.T) {
	t.Cleanup(func() { initStdout, initPluginPrefix = false, "" })

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"init", "--stdout", "--plugin-prefix", "/opt/nix-ffi"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := config.LoadBytes(buf.Bytes(), "nixffi.toml")
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Helper.PluginPrefix != "/opt/nix-ffi" {
		t.Errorf("plugin_prefix = %q, want /opt/nix-ffi", cfg.Helper.PluginPrefix)
	}
}

func TestInitWritesFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nixffi.toml")
	t.Cleanup(func() { initOutput, initForce = "", false })

	rootCmd.SetOut(new(bytes.Buffer))
	rootCmd.SetArgs([]string{"init", "-o", out})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatal(err)
	}

	rootCmd.SetArgs([]string{"init", "-o", out})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second init = %v, want already exists", err)
	}

	rootCmd.SetArgs([]string{"init", "-o", out, "--force"})
	if err := rootCmd.Execute(); err != nil {
		t.Errorf("init --force: %v", err)
	}
}

func TestSampleConfigRelativePrefix(t *testing.T) {
	if _, err := sampleConfig("nix-ffi"); err == nil {
		t.Fatal("expected error for a relative prefix")
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("NIXFFI_CONFIG", "")
	t.Setenv(config.PluginPrefixEnv, "/opt/nix-ffi")
	orig := config.DefaultSearchPaths
	config.DefaultSearchPaths = []string{"/nonexistent/nixffi.toml"}
	defer func() { config.DefaultSearchPaths = orig }()

	logLevel = "debug"
	defer func() { logLevel = "" }()

	cfg, warnings, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want the flag override", cfg.Log.Level)
	}
	if cfg.Helper.PluginPrefix != "/opt/nix-ffi" {
		t.Errorf("plugin_prefix = %q", cfg.Helper.PluginPrefix)
	}
}

func TestLoadConfigExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nixffi.yaml")
	if err := os.WriteFile(path, []byte("helper:\n  plugin_prefix: /srv/ffi\n"), 0644); err != nil {
		t.Fatal(err)
	}
	configPath = path
	defer func() { configPath = "" }()

	cfg, _, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Helper.PluginPrefix != "/srv/ffi" {
		t.Errorf("plugin_prefix = %q, want /srv/ffi", cfg.Helper.PluginPrefix)
	}
}

func TestLoadConfigBadLevel(t *testing.T) {
	t.Setenv(config.PluginPrefixEnv, "/opt/nix-ffi")
	t.Setenv("NIXFFI_CONFIG", "")
	orig := config.DefaultSearchPaths
	config.DefaultSearchPaths = nil
	defer func() { config.DefaultSearchPaths = orig }()

	logLevel = "chatty"
	defer func() { logLevel = "" }()

	if _, _, err := loadConfig(); err == nil {
		t.Fatal("expected error for an invalid --log-level")
	}
}

func TestTestsuiteEnv(t *testing.T) {
	env, err := testsuiteEnv("/tmp/tr", []string{"PATH=/bin", "NIX_USER_CONF_FILES=/x", "NIX_STORE_DIR=/nix/store"})
	if err != nil {
		t.Fatal(err)
	}
	joined := "\n" + strings.Join(env, "\n") + "\n"
	for _, want := range []string{"PATH=/bin", "NIX_STORE_DIR=/tmp/tr/store", "NIX_CONF_DIR=/tmp/tr/etc", "NIX_DAEMON_SOCKET_PATH=/tmp/tr/daemon-socket"} {
		if !strings.Contains(joined, "\n"+want+"\n") {
			t.Errorf("env missing %q", want)
		}
	}
	if strings.Contains(joined, "NIX_USER_CONF_FILES") {
		t.Error("NIX_USER_CONF_FILES should be removed")
	}
	if _, err := testsuiteEnv("", nil); err == nil {
		t.Error("expected error without --test-root")
	}
}

func TestDescribeSpawnErrorNil(t *testing.T) {
	if err := describeSpawnError(nil); err != nil {
		t.Errorf("describeSpawnError(nil) = %v", err)
	}
}

func TestHashPasswordCommand(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetIn(strings.NewReader("hunter2\n"))
	t.Cleanup(func() { rootCmd.SetIn(nil) })
	rootCmd.SetArgs([]string{"hash-password"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	hash := strings.TrimSpace(buf.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")); err != nil {
		t.Fatalf("output %q is not a bcrypt hash of the input: %v", hash, err)
	}
}

func TestHashPasswordEmptyInput(t *testing.T) {
	rootCmd.SetOut(new(bytes.Buffer))
	rootCmd.SetIn(strings.NewReader("\n"))
	t.Cleanup(func() { rootCmd.SetIn(nil) })
	rootCmd.SetArgs([]string{"hash-password"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected an error for empty input")
	}
}

func TestReadLines(t *testing.T) {
	lines, err := readLines(strings.NewReader("/nix/store/a\r\n\n/nix/store/b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "/nix/store/a" || lines[1] != "/nix/store/b" {
		t.Errorf("lines = %q", lines)
	}
}

// startHold runs a Runner over a mock session behind a control socket.
func startHold(t *testing.T) (string, *supervisor.Runner, *supervisor.MockSession) {
	t.Helper()
	sess := &supervisor.MockSession{}
	r := &supervisor.Runner{
		Spawner: &supervisor.MockSpawner{SpawnFn: func(helper.Options) (supervisor.Session, error) { return sess, nil }},
	}
	srv := api.NewServer(api.Config{}, r, nil, nil)
	sock := filepath.Join(t.TempDir(), "ctl.sock")
	if err := srv.StartUnix(sock, 0o700); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Hold(ctx, nil) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = srv.Stop(context.Background())
	})

	deadline := time.Now().Add(5 * time.Second)
	for !r.Holding() {
		if time.Now().After(deadline) {
			t.Fatal("hold never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return sock, r, sess
}

func TestCtlAddAndStatus(t *testing.T) {
	sock, r, _ := startHold(t)
	t.Cleanup(func() { ctlSocket, ctlStdin, ctlJSON = "", false, false })

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetIn(strings.NewReader("/nix/store/b\n"))
	t.Cleanup(func() { rootCmd.SetIn(nil) })
	rootCmd.SetArgs([]string{"ctl", "--socket", sock, "add", "--stdin", "/nix/store/a"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "/nix/store/a: added\n/nix/store/b: added\n" {
		t.Errorf("add output = %q", got)
	}
	if roots := r.Roots(); len(roots) != 2 {
		t.Errorf("runner roots = %q", roots)
	}

	buf.Reset()
	rootCmd.SetArgs([]string{"ctl", "--socket", sock, "status"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "state: HOLDING, 2 temp roots") {
		t.Errorf("status output:\n%s", buf.String())
	}
}

func TestCtlRelease(t *testing.T) {
	sock, r, sess := startHold(t)
	t.Cleanup(func() { ctlSocket = "" })

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"ctl", "--socket", sock, "release"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.Holding() || !sess.Waited() {
		if time.Now().After(deadline) {
			t.Fatal("hold did not end after ctl release")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCtlNoSocket(t *testing.T) {
	t.Setenv("NIXFFI_CONFIG", "")
	t.Setenv(config.PluginPrefixEnv, "/opt/nix-ffi")
	orig := config.DefaultSearchPaths
	config.DefaultSearchPaths = nil
	defer func() { config.DefaultSearchPaths = orig }()

	if _, err := newCtlClient(); err == nil || !strings.Contains(err.Error(), "no control socket") {
		t.Fatalf("newCtlClient error = %v", err)
	}
}
