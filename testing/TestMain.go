// Package testing flips the service binaries into test mode. Test packages
// that construct app wiring import it for its side effect.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv(testModeEnv, "1")
		if os.Getenv("PE_ATTACHMENT_DIR") == "" {
			_ = os.Setenv("PE_ATTACHMENT_DIR", os.TempDir())
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain runs m with test mode forced on.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
