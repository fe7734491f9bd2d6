//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/devicerun/internal/config"
	"github.com/hochfrequenz/devicerun/internal/domain"
)

// suite is a small manifest with one stable, one flaky and one broken test
func suite() []domain.Test {
	return []domain.Test{
		{Package: "com.example", Class: "LoginTest", Method: "testStable"},
		{Package: "com.example", Class: "LoginTest", Method: "testFlaky"},
		{Package: "com.example", Class: "CartTest", Method: "testBroken"},
	}
}

// testCommand returns a test command template that passes testStable,
// fails the first attempt of testFlaky and always fails testBroken. The
// flaky marker is kept in dir.
func testCommand(dir string) string {
	return fmt.Sprintf(`case "{method}" in
testBroken) echo "AssertionError: expected 2" >&2; exit 1 ;;
testFlaky) m=%q/flaky; if [ ! -f "$m" ]; then touch "$m"; exit 1; fi ;;
esac
echo "duration_ms=3"`, dir)
}

// baseConfig is a valid config writing reports and history into temp dirs
func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.General.ReportDir = filepath.Join(dir, "reports")
	cfg.General.DatabasePath = filepath.Join(dir, "history.db")
	cfg.Batching.Size = 2
	cfg.Run.NoDevicesTimeout = config.Duration(10 * time.Second)
	cfg.Run.StuckThreshold = 0
	cfg.Notifications.Desktop = false
	return cfg
}

// writeDescriptor writes a device descriptor file
func writeDescriptor(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
}

// waitFor polls cond until it holds or the timeout passes
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", what)
		case <-tick.C:
		}
	}
}
