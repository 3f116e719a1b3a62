// Package channels hosts operator-facing chat integrations that relay
// fleet commands and push alerts.
package channels

import "context"

// Channel is one chat-platform integration.
type Channel interface {
	// Name identifies the platform ("telegram").
	Name() string

	// Start runs the integration until ctx is canceled or a fatal
	// error occurs.
	Start(ctx context.Context) error
}
