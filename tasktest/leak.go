package tasktest

import (
	"testing"

	"go.uber.org/goleak"
)

// VerifyNoLeaks runs m under goleak's TestMain verification, the same
// leak check channel/channel_test.go applies directly: every PSI engine
// spawns background goroutines (Cache.Start, the auto-pause cleaner)
// that a test must not leave running past its own completion.
func VerifyNoLeaks(m *testing.M) { goleak.VerifyTestMain(m) }
