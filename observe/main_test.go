package observe

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/monzo/tap/internal/logtest"
)

func TestMain(m *testing.M) {
	if !logtest.Settle(5 * time.Second) {
		fmt.Fprintln(os.Stderr, "logger goroutines did not settle; leak checks may fail")
	}
	os.Exit(m.Run())
}
