package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestWritePIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nixffi.pid")

	if err := WritePIDFile(path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		t.Fatalf("pid file content %q is not a number", pidStr)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestWritePIDFileEmpty(t *testing.T) {
	// Empty path should be a no-op.
	if err := WritePIDFile(""); err != nil {
		t.Fatal(err)
	}
}

func TestWritePIDFileBadDir(t *testing.T) {
	err := WritePIDFile("/nonexistent/dir/nixffi.pid")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "cannot write PID file") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestRemovePIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nixffi.pid")

	_ = WritePIDFile(path)
	RemovePIDFile(path)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("pid file should be removed")
	}
}

func TestRemovePIDFileEmpty(t *testing.T) {
	// Should not panic.
	RemovePIDFile("")
}
