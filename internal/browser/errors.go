// internal/browser/errors.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks an element search that exhausted its timeout budget.
	// Recoverable within the current operation.
	ErrNotFound = errors.New("element not found")

	// ErrCritical marks a dead frame, context, or target. Never retried;
	// continuing would poll a dead page.
	ErrCritical = errors.New("browser target unusable")
)

// criticalMarkers are the CDP failure modes that indicate the page is gone.
// Matched case-insensitively against the error text because the CDP layer does
// not expose them as typed errors.
var criticalMarkers = []string{
	"execution context was destroyed",
	"cannot find context with specified id",
	"frame with given id was detached",
	"no frame with given id found",
	"target closed",
	"session closed",
	"browser closed",
	"websocket: close",
}

// classifyPageError wraps critical CDP failures in ErrCritical and passes
// everything else through unchanged.
func classifyPageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCritical) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCritical, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range criticalMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrCritical, err)
		}
	}
	return err
}
