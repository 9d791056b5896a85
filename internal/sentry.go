package internal

import (
	"context"
	"errors"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// CaptureTransportError reports transport failures to sentry. Not-found, membership and
// validation failures are expected user-facing outcomes and are not reported.
func CaptureTransportError(ctx context.Context, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if KindOf(err) != KindTransport {
		return
	}
	GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
}
