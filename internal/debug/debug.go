// Package debug provides env-gated diagnostic logging. Set KORU_DEBUG=1
// (or call SetVerbose) to see engine internals on stderr; production
// output is untouched either way.
package debug

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	enabled     = os.Getenv("KORU_DEBUG") != ""
	verboseMode = false
	mu          sync.Mutex
)

// Enabled reports whether debug output is on.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables debug output regardless of the environment.
func SetVerbose(v bool) {
	verboseMode = v
}

// Logf writes a timestamped debug line to stderr when enabled.
func Logf(format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "[koru %s] %s\n",
		time.Now().UTC().Format("15:04:05.000"), fmt.Sprintf(format, args...))
}
