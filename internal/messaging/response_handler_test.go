package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fitrelay/fitrelay/internal/models"
)

// mockService implements Service for tests, recording sent messages.
type mockService struct {
	mu        sync.Mutex
	sent      []models.Response // reuse Response as a (to, body) pair
	receipts  chan models.Receipt
	responses chan models.Response
	sendErr   error
}

func newMockService() *mockService {
	return &mockService{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (m *mockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhoneNumber(recipient)
}

func (m *mockService) SendMessage(ctx context.Context, to, body string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, models.Response{From: to, Body: body})
	return nil
}

func (m *mockService) Start(ctx context.Context) error { return nil }
func (m *mockService) Stop() error { return nil }
func (m *mockService) Receipts() <-chan models.Receipt { return m.receipts }
func (m *mockService) Responses() <-chan models.Response { return m.responses }

func (m *mockService) sentMessages() []models.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Response, len(m.sent))
	copy(out, m.sent)
	return out
}

// mockRecorder implements ResponseRecorder for tests.
type mockRecorder struct {
	mu        sync.Mutex
	responses []models.Response
	err       error
}

func (m *mockRecorder) AddResponse(r models.Response) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, r)
	return nil
}

func (m *mockRecorder) recorded() []models.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Response, len(m.responses))
	copy(out, m.responses)
	return out
}

func TestCanonicalizePhoneNumber(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+49 123 4567", "491234567", false},
		{"491234567", "491234567", false},
		{"(49) 123-4567", "491234567", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true}, // too short
	}
	for _, c := range cases {
		got, err := canonicalizePhoneNumber(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("canonicalizePhoneNumber(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("canonicalizePhoneNumber(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("canonicalizePhoneNumber(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestProcessResponse_DefaultAction(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(svc)

	var gotFrom, gotBody string
	rh.SetDefaultAction(func(ctx context.Context, from, body string, ts int64) (bool, error) {
		gotFrom, gotBody = from, body
		return true, nil
	})

	err := rh.ProcessResponse(context.Background(), models.Response{From: "+49 123 4567", Body: "82.4", Time: time.Now().Unix()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotFrom != "491234567" {
		t.Errorf("expected canonical sender, got %q", gotFrom)
	}
	if gotBody != "82.4" {
		t.Errorf("expected body to pass through, got %q", gotBody)
	}
	if len(svc.sentMessages()) != 0 {
		t.Errorf("no fallback expected when default action handles, sent %v", svc.sentMessages())
	}
}

func TestProcessResponse_HookTakesPrecedence(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(svc)

	defaultCalled := false
	rh.SetDefaultAction(func(ctx context.Context, from, body string, ts int64) (bool, error) {
		defaultCalled = true
		return true, nil
	})

	hookCalled := false
	if err := rh.RegisterHook("491234567", func(ctx context.Context, from, body string, ts int64) (bool, error) {
		hookCalled = true
		return true, nil
	}); err != nil {
		t.Fatalf("failed to register hook: %v", err)
	}

	rh.ProcessResponse(context.Background(), models.Response{From: "491234567", Body: "hi"})
	if !hookCalled {
		t.Error("hook should run first")
	}
	if defaultCalled {
		t.Error("default action must not run when hook handled the response")
	}
}

func TestProcessResponse_FallbackWhenUnhandled(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(svc)
	rh.SetFallbackMessage("nothing here")

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "491234567", Body: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := svc.sentMessages()
	if len(sent) != 1 || sent[0].Body != "nothing here" {
		t.Errorf("expected fallback message, got %v", sent)
	}
}

func TestProcessResponse_ActionErrorNotifiesParticipant(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(svc)
	rh.SetDefaultAction(func(ctx context.Context, from, body string, ts int64) (bool, error) {
		return false, errors.New("boom")
	})

	err := rh.ProcessResponse(context.Background(), models.Response{From: "491234567", Body: "hi"})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	sent := svc.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one error notification, got %d", len(sent))
	}
}

func TestProcessResponse_RecordsInboundMessage(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(svc)
	recorder := &mockRecorder{}
	rh.SetRecorder(recorder)
	rh.SetDefaultAction(func(ctx context.Context, from, body string, ts int64) (bool, error) {
		return true, nil
	})

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "+49 123 4567", Body: "82.4", Time: 1700000000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recorded := recorder.recorded()
	if len(recorded) != 1 {
		t.Fatalf("expected one recorded response, got %d", len(recorded))
	}
	if recorded[0].From != "491234567" {
		t.Errorf("expected canonical sender, got %q", recorded[0].From)
	}
	if recorded[0].Body != "82.4" || recorded[0].Time != 1700000000 {
		t.Errorf("recorded response mismatch: %+v", recorded[0])
	}
}

func TestProcessResponse_RecorderFailureDoesNotBlockRouting(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(svc)
	rh.SetRecorder(&mockRecorder{err: errors.New("disk full")})

	actionCalled := false
	rh.SetDefaultAction(func(ctx context.Context, from, body string, ts int64) (bool, error) {
		actionCalled = true
		return true, nil
	})

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "491234567", Body: "hi"}); err != nil {
		t.Fatalf("recorder failure must not surface: %v", err)
	}
	if !actionCalled {
		t.Error("action must still run when recording fails")
	}
}

func TestProcessResponse_InvalidSender(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(svc)
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "abc", Body: "hi"}); err == nil {
		t.Error("expected error for invalid sender")
	}
}

func TestHookRegistration(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(svc)

	if rh.IsHookRegistered("491234567") {
		t.Error("no hook should be registered yet")
	}
	if err := rh.RegisterHook("+49 123 4567", func(ctx context.Context, from, body string, ts int64) (bool, error) {
		return true, nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !rh.IsHookRegistered("491234567") {
		t.Error("hook should be registered under canonical number")
	}
	if err := rh.UnregisterHook("491234567"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if rh.IsHookRegistered("491234567") {
		t.Error("hook should be gone after unregister")
	}
	if err := rh.RegisterHook("", nil); err == nil {
		t.Error("expected error for empty recipient")
	}
}

func TestResponseHandler_StartConsumesChannel(t *testing.T) {
	svc := newMockService()
	rh := NewResponseHandler(svc)

	handled := make(chan string, 1)
	rh.SetDefaultAction(func(ctx context.Context, from, body string, ts int64) (bool, error) {
		handled <- body
		return true, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	svc.responses <- models.Response{From: "491234567", Body: "82.4", Time: time.Now().Unix()}

	select {
	case body := <-handled:
		if body != "82.4" {
			t.Errorf("unexpected body %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response was not consumed")
	}
}
