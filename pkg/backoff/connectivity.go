package backoff

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
)

// connectivityMarkers are substrings that drivers use for connection-level
// failures when they do not return a typed error.
var connectivityMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timeout expired",
	"timed out",
	"server closed the connection",
	"too many clients",
	"too many connections",
	"database is locked",
	"the database system is starting up",
	"the database system is shutting down",
	"bad connection",
}

// IsConnectivityError reports whether err indicates the backend could not be
// reached or did not answer in time. Such failures open the backend circuit.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if core.Categorize(err) == core.CategoryTransient {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectivityMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
