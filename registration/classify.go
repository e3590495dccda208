package registration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/listforge/listforge/core"
)

// Classify maps a transport-level failure or platform HTTP status onto the
// core error sentinels so the retry policy can distinguish transient failures
// from permanent ones. Already-classified errors pass through unchanged.
func Classify(err error, statusCode int) error {
	if err != nil {
		if core.IsRetryable(err) || core.IsPermanent(err) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", core.ErrTimeout, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				return fmt.Errorf("%w: %v", core.ErrTimeout, err)
			}
			return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
		}
		return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}

	switch {
	case statusCode == 0 || (statusCode >= 200 && statusCode < 300):
		return nil
	case statusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d", core.ErrAuthIrrecoverable, statusCode)
	case statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", core.ErrAccountBanned, statusCode)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", core.ErrRateLimited, statusCode)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d", core.ErrPayloadRejected, statusCode)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", core.ErrTimeout, statusCode)
	case statusCode >= 500:
		return fmt.Errorf("%w: status %d", core.ErrServerError, statusCode)
	default:
		return fmt.Errorf("%w: unexpected status %d", core.ErrPayloadRejected, statusCode)
	}
}
