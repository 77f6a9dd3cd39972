package app

import (
	"os"
	"strconv"
	"sync/atomic"
)

// TestModeEnv makes the binaries return before opening any connection.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var testMode atomic.Pointer[bool]

func readTestMode() bool {
	on, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	testMode.Store(&on)
	return on
}

// InTestMode reports whether binaries should start without touching
// Postgres, Redis or the network. The flag is read once.
func InTestMode() bool {
	if on := testMode.Load(); on != nil {
		return *on
	}
	return readTestMode()
}

// RefreshTestMode re-reads the flag after the environment changed.
func RefreshTestMode() {
	readTestMode()
}
