package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fitrelay/fitrelay/internal/models"
)

// ResponseAction processes a participant's inbound message. It receives the
// canonical phone number, the message text, and the unix timestamp, and
// returns true when the message was handled.
type ResponseAction func(ctx context.Context, from, responseText string, timestamp int64) (handled bool, err error)

// ResponseRecorder persists inbound responses. Satisfied by store.Store.
type ResponseRecorder interface {
	AddResponse(r models.Response) error
}

// ResponseHandler routes inbound responses: per-recipient hooks take
// precedence, then the default action (the submission conversation), then a
// fallback message.
type ResponseHandler struct {
	hooks map[string]ResponseAction
	mu    sync.RWMutex
	// defaultAction handles messages with no recipient-specific hook.
	defaultAction ResponseAction
	msgService    Service
	// recorder persists inbound responses when set.
	recorder ResponseRecorder
	// fallbackMessage is sent when nothing handled the response.
	fallbackMessage string
}

// NewResponseHandler creates a ResponseHandler over the given messaging service.
func NewResponseHandler(msgService Service) *ResponseHandler {
	return &ResponseHandler{
		hooks:           make(map[string]ResponseAction),
		msgService:      msgService,
		fallbackMessage: "📝 Your message has been recorded, but nothing is set up to handle it yet.",
	}
}

// SetDefaultAction installs the action run for messages with no
// recipient-specific hook.
func (rh *ResponseHandler) SetDefaultAction(action ResponseAction) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.defaultAction = action
}

// SetRecorder installs a recorder that persists every inbound response.
func (rh *ResponseHandler) SetRecorder(recorder ResponseRecorder) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.recorder = recorder
}

// SetFallbackMessage sets the message sent when nothing handled a response.
func (rh *ResponseHandler) SetFallbackMessage(message string) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.fallbackMessage = message
}

// RegisterHook registers a response action for a specific participant.
func (rh *ResponseHandler) RegisterHook(recipient string, action ResponseAction) error {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.hooks[canonical] = action
	slog.Debug("ResponseHandler hook registered", "recipient", canonical)
	return nil
}

// UnregisterHook removes a response action for a specific participant.
func (rh *ResponseHandler) UnregisterHook(recipient string) error {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	delete(rh.hooks, canonical)
	slog.Debug("ResponseHandler hook unregistered", "recipient", canonical)
	return nil
}

// IsHookRegistered reports whether a hook exists for the given recipient.
func (rh *ResponseHandler) IsHookRegistered(recipient string) bool {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return false
	}

	rh.mu.RLock()
	defer rh.mu.RUnlock()
	_, exists := rh.hooks[canonical]
	return exists
}

// ProcessResponse routes a single inbound response through hooks, the default
// action, and finally the fallback message.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler sender validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	rh.mu.RLock()
	action, hasHook := rh.hooks[canonicalFrom]
	defaultAction := rh.defaultAction
	recorder := rh.recorder
	fallback := rh.fallbackMessage
	rh.mu.RUnlock()

	if recorder != nil {
		stored := models.Response{From: canonicalFrom, Body: response.Body, Time: response.Time}
		if err := recorder.AddResponse(stored); err != nil {
			// Routing must not depend on bookkeeping.
			slog.Error("ResponseHandler failed to record response", "error", err, "from", canonicalFrom)
		}
	}

	if hasHook {
		handled, err := rh.runAction(ctx, action, canonicalFrom, response)
		if err != nil || handled {
			return err
		}
	}

	if defaultAction != nil {
		handled, err := rh.runAction(ctx, defaultAction, canonicalFrom, response)
		if err != nil || handled {
			return err
		}
	}

	slog.Debug("ResponseHandler sending fallback response", "from", canonicalFrom)
	if err := rh.msgService.SendMessage(ctx, canonicalFrom, fallback); err != nil {
		return fmt.Errorf("failed to send fallback response: %w", err)
	}
	return nil
}

// runAction executes an action and notifies the participant on failure.
func (rh *ResponseHandler) runAction(ctx context.Context, action ResponseAction, from string, response models.Response) (bool, error) {
	handled, err := action(ctx, from, response.Body, response.Time)
	if err != nil {
		slog.Error("ResponseHandler action failed", "error", err, "from", from)
		errorMsg := "⚠️ We encountered an issue processing your message. Please try again."
		if sendErr := rh.msgService.SendMessage(ctx, from, errorMsg); sendErr != nil {
			slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", from)
		}
		return false, fmt.Errorf("response action failed: %w", err)
	}
	return handled, nil
}

// Start begins consuming responses from the messaging service in a background
// goroutine until the context is cancelled or the channel closes.
func (rh *ResponseHandler) Start(ctx context.Context) {
	go func() {
		defer slog.Info("ResponseHandler stopped")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	slog.Info("ResponseHandler started")
}
