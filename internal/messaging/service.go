// Package messaging provides the pluggable chat transport used by FitRelay
// and the routing of inbound participant responses.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/fitrelay/fitrelay/internal/models"
)

// Constants shared by the transport implementations.
const (
	// DefaultChannelBufferSize is the buffer size of the receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel sends before dropping.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction. It supports
// sending messages and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier, returning the canonical form or an error.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g. event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming participant responses.
	Responses() <-chan models.Response
}

// canonicalizePhoneNumber strips a recipient down to its digits and validates
// the result. All transports share WhatsApp's phone-number addressing.
func canonicalizePhoneNumber(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}

	if recipient != canonical {
		slog.Debug("Messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
