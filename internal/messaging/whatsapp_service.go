package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/fitrelay/fitrelay/internal/models"
	"github.com/fitrelay/fitrelay/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client // underlying client for event handling, nil for mocks
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}

	// Only a full client can register event handlers; mocks send only.
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
	} else {
		slog.Debug("WhatsAppService created with interface client, event handling disabled")
	}

	return service
}

// ValidateAndCanonicalizeRecipient strips a WhatsApp recipient down to digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

// Start begins background event processing when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	}
	return nil
}

// Stop stops background processing and closes the event channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}

	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.StatusTypeSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of incoming response events.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// handleEvents registers a whatsmeow event handler and feeds messages and
// receipts into the service channels until the context is cancelled.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})

	<-ctx.Done()
	slog.Debug("WhatsAppService event handling stopped")
}

// handleIncomingMessage forwards inbound text messages as responses.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	response := models.Response{
		From: e164(evt.Info.Sender.User),
		Body: messageText,
		Time: evt.Info.Timestamp.Unix(),
	}
	s.safeEmitResponse(response)
}

// handleMessageReceipt forwards delivery and read receipts.
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.StatusType
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.StatusTypeDelivered
	case events.ReceiptTypeRead:
		status = models.StatusTypeRead
	default:
		return
	}

	s.safeEmitReceipt(models.Receipt{
		To:     e164(evt.MessageSource.Sender.User),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", receipt.To)
	}
}

func (s *WhatsAppService) safeEmitResponse(response models.Response) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("WhatsAppService dropping inbound response, service stopped", "from", response.From)
		return
	}

	select {
	case s.responses <- response:
		slog.Debug("WhatsAppService inbound message forwarded", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", response.From)
	}
}

// e164 formats a bare WhatsApp JID user part as an E.164 number.
func e164(user string) string {
	if strings.HasPrefix(user, "+") {
		return user
	}
	return "+" + user
}
