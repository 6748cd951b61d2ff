// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"net/http"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
)

// classifyResponse maps an HTTP status to a delivery outcome. 2xx is
// success. 429 and 408 are retried despite being 4xx: they signal load,
// not a malformed request. All remaining 4xx are permanent; everything
// else (5xx, odd 1xx/3xx) is transient.
func classifyResponse(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout:
		return &domain.TransientDeliveryError{StatusCode: statusCode}
	case statusCode >= 400 && statusCode < 500:
		return &domain.PermanentDeliveryError{StatusCode: statusCode}
	default:
		return &domain.TransientDeliveryError{StatusCode: statusCode}
	}
}

// classifyTransportError maps a failed round trip. Network errors and
// timeouts are always transient; the remote may simply be down.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &domain.TransientDeliveryError{Err: err}
}
