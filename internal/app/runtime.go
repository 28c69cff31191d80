package app

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// TestModeEnv makes the server and worker binaries exit before dialing their
// dependencies.
const TestModeEnv = "MAKERCHECKER_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return parseTestMode(os.Getenv(TestModeEnv))
})

// InTestMode reports whether TestModeEnv was set when first consulted.
func InTestMode() bool {
	return testMode()
}

func parseTestMode(raw string) bool {
	enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && enabled
}
