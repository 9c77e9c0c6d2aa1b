package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fitrelay/fitrelay/internal/models"
	"github.com/fitrelay/fitrelay/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio WhatsApp API. Inbound
// messages arrive over the Twilio webhook instead of a live connection.
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a TwilioService wrapping the given sender.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient strips a WhatsApp recipient down to digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// Start is a no-op; inbound traffic arrives via the webhook handler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	// Let in-flight webhook emits observe the stopped flag before closing.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.receipts)
		close(s.responses)
	}()

	return nil
}

// SendMessage sends a message via Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}

	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.StatusTypeSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel of sent message receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel of inbound messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests, emitting each
// message as a response event.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	s.safeEmitResponse(models.Response{
		From: from,
		Body: body,
		Time: time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

func (s *TwilioService) safeEmitResponse(response models.Response) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound response, service stopped", "from", response.From)
		return
	}

	select {
	case s.responses <- response:
		slog.Debug("TwilioService emitted inbound response", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", response.From)
	}
}
