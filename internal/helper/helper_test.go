package helper

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/kahiteam/nixffi/internal/testutil"
)

func TestMain(m *testing.M) {
	// Spawn tests exec this binary as the ffi-helper.
	testutil.MaybeRunWorker()
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
