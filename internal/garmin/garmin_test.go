package garmin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/fitrelay/fitrelay/internal/models"
)

// memoryTokenStore is an in-memory TokenStore for tests.
type memoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{tokens: make(map[string]*oauth2.Token)}
}

func (m *memoryTokenStore) Load(ctx context.Context, id string) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[id], nil
}

func (m *memoryTokenStore) Save(ctx context.Context, id string, tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[id] = tok
	return nil
}

func (m *memoryTokenStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, id)
	return nil
}

func newTestClient(t *testing.T, handler http.Handler, tokens TokenStore) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(
		WithSSOBase(srv.URL+"/sso"),
		WithAPIBase(srv.URL),
		WithTokenStore(tokens),
		WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client, srv
}

func TestNewClient_RequiresTokenStore(t *testing.T) {
	_, err := NewClient()
	if err == nil {
		t.Error("expected error without token store, got nil")
	}
}

func TestLogin_NoStoredToken(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler(), newMemoryTokenStore())
	err := client.Login(context.Background(), "491234567")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogin_ValidToken(t *testing.T) {
	tokens := newMemoryTokenStore()
	tokens.Save(context.Background(), "491234567", &oauth2.Token{
		AccessToken: "valid",
		Expiry:      time.Now().Add(time.Hour),
	})
	client, _ := newTestClient(t, http.NotFoundHandler(), tokens)
	if err := client.Login(context.Background(), "491234567"); err != nil {
		t.Errorf("expected nil error for valid token, got %v", err)
	}
}

func TestLogin_RefreshesExpiredToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sso/token", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("grant_type") != "refresh_token" || r.FormValue("refresh_token") != "r-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(wireToken{AccessToken: "fresh", RefreshToken: "r-2", TokenType: "Bearer", ExpiresIn: 3600})
	})

	tokens := newMemoryTokenStore()
	tokens.Save(context.Background(), "491234567", &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "r-1",
		Expiry:       time.Now().Add(-time.Hour),
	})

	client, _ := newTestClient(t, mux, tokens)
	if err := client.Login(context.Background(), "491234567"); err != nil {
		t.Fatalf("expected refresh to succeed, got %v", err)
	}
	tok, _ := tokens.Load(context.Background(), "491234567")
	if tok.AccessToken != "fresh" || tok.RefreshToken != "r-2" {
		t.Errorf("refreshed token not saved: %+v", tok)
	}
}

func TestLogin_RefreshRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sso/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	tokens := newMemoryTokenStore()
	tokens.Save(context.Background(), "491234567", &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "r-1",
		Expiry:       time.Now().Add(-time.Hour),
	})

	client, _ := newTestClient(t, mux, tokens)
	err := client.Login(context.Background(), "491234567")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLoginWithCredentials_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sso/signin", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("username") != "user@example.com" || r.FormValue("password") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(loginResponse{
			Status: "success",
			Token:  &wireToken{AccessToken: "a-1", RefreshToken: "r-1", TokenType: "Bearer", ExpiresIn: 3600},
		})
	})

	tokens := newMemoryTokenStore()
	client, _ := newTestClient(t, mux, tokens)
	err := client.LoginWithCredentials(context.Background(), "491234567", "user@example.com", "hunter2")
	if err != nil {
		t.Fatalf("expected login to succeed, got %v", err)
	}
	tok, _ := tokens.Load(context.Background(), "491234567")
	if tok == nil || tok.AccessToken != "a-1" {
		t.Errorf("token not saved: %+v", tok)
	}
}

func TestLoginWithCredentials_InvalidCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sso/signin", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client, _ := newTestClient(t, mux, newMemoryTokenStore())
	err := client.LoginWithCredentials(context.Background(), "491234567", "user@example.com", "wrong")
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed, got %v", err)
	}
}

func TestLoginWithCredentials_MFARequired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sso/signin", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(loginResponse{Status: "needs_mfa", MFATicket: "ticket-9"})
	})
	client, _ := newTestClient(t, mux, newMemoryTokenStore())
	err := client.LoginWithCredentials(context.Background(), "491234567", "user@example.com", "hunter2")
	var mfaErr *MFARequiredError
	if !errors.As(err, &mfaErr) {
		t.Fatalf("expected MFARequiredError, got %v", err)
	}
	if mfaErr.Ticket != "ticket-9" {
		t.Errorf("expected ticket-9, got %q", mfaErr.Ticket)
	}
}

func TestResumeLogin_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sso/verifyMFA", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("mfa_ticket") != "ticket-9" || r.FormValue("mfa_code") != "123456" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(wireToken{AccessToken: "a-2", RefreshToken: "r-2", TokenType: "Bearer", ExpiresIn: 3600})
	})
	tokens := newMemoryTokenStore()
	client, _ := newTestClient(t, mux, tokens)
	if err := client.ResumeLogin(context.Background(), "491234567", "ticket-9", "123456"); err != nil {
		t.Fatalf("expected MFA login to succeed, got %v", err)
	}
	tok, _ := tokens.Load(context.Background(), "491234567")
	if tok == nil || tok.AccessToken != "a-2" {
		t.Errorf("token not saved after MFA: %+v", tok)
	}
}

func TestResumeLogin_InvalidCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sso/verifyMFA", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client, _ := newTestClient(t, mux, newMemoryTokenStore())
	err := client.ResumeLogin(context.Background(), "491234567", "ticket-9", "000000")
	var mfaErr *MFARequiredError
	if !errors.As(err, &mfaErr) {
		t.Fatalf("expected MFARequiredError for retry, got %v", err)
	}
	if mfaErr.Ticket != "ticket-9" {
		t.Errorf("ticket must be preserved for retry, got %q", mfaErr.Ticket)
	}
}

func TestResumeLogin_TooManyAttempts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sso/verifyMFA", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	client, _ := newTestClient(t, mux, newMemoryTokenStore())
	err := client.ResumeLogin(context.Background(), "491234567", "ticket-9", "123456")
	if !errors.Is(err, ErrTooManyMFA) {
		t.Errorf("expected ErrTooManyMFA, got %v", err)
	}
}

func TestSubmitBodyComposition_Success(t *testing.T) {
	var received bodyCompositionRequest
	var authHeader string
	mux := http.NewServeMux()
	mux.HandleFunc("/weight-service/user-weight", func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	})

	tokens := newMemoryTokenStore()
	tokens.Save(context.Background(), "491234567", &oauth2.Token{
		AccessToken: "a-1",
		Expiry:      time.Now().Add(time.Hour),
	})
	client, _ := newTestClient(t, mux, tokens)

	entry := models.Entry{Weight: 82.4, BMI: 24.1, PercentFat: 21.5, MuscleMass: 31.48, VisceralFatRating: 9}
	rec, err := client.SubmitBodyComposition(context.Background(), "491234567", entry)
	if err != nil {
		t.Fatalf("expected submission to succeed, got %v", err)
	}
	if authHeader != "Bearer a-1" {
		t.Errorf("expected bearer auth header, got %q", authHeader)
	}
	if received.Weight != 82.4 || received.UnitKey != "kg" {
		t.Errorf("unexpected payload: %+v", received)
	}
	if _, perr := time.Parse(TimestampLayout, received.Timestamp); perr != nil {
		t.Errorf("timestamp %q does not match layout: %v", received.Timestamp, perr)
	}
	if rec.ID == "" || rec.ParticipantID != "491234567" || rec.WeightKg != 82.4 {
		t.Errorf("unexpected submission record: %+v", rec)
	}
}

func TestSubmitBodyComposition_RejectsInvalidEntry(t *testing.T) {
	tokens := newMemoryTokenStore()
	client, _ := newTestClient(t, http.NotFoundHandler(), tokens)
	_, err := client.SubmitBodyComposition(context.Background(), "491234567", models.Entry{Weight: 0.5})
	if !errors.Is(err, models.ErrWeightOutOfRange) {
		t.Errorf("expected ErrWeightOutOfRange, got %v", err)
	}
}

func TestSubmitBodyComposition_TokenRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/weight-service/user-weight", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	tokens := newMemoryTokenStore()
	tokens.Save(context.Background(), "491234567", &oauth2.Token{
		AccessToken: "revoked",
		Expiry:      time.Now().Add(time.Hour),
	})
	client, _ := newTestClient(t, mux, tokens)
	_, err := client.SubmitBodyComposition(context.Background(), "491234567", models.Entry{Weight: 82.4})
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestFetchBodyComposition_NormalizesAndSorts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/weight-service/weight/dateRange", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startDate") == "" || r.URL.Query().Get("endDate") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"dateWeightList":[
			{"calendarDate":"2026-06-01","weight":83100.0,"bodyFat":22.0,"muscleMass":35100.0},
			{"calendarDate":"2026-08-20","weight":82400.0,"bodyFat":21.5,"muscleMass":35200.0},
			{"calendarDate":"2026-07-15","weight":null,"bodyFat":21.8}
		]}`))
	})

	tokens := newMemoryTokenStore()
	tokens.Save(context.Background(), "491234567", &oauth2.Token{
		AccessToken: "a-1",
		Expiry:      time.Now().Add(time.Hour),
	})
	client, _ := newTestClient(t, mux, tokens)

	end := time.Now()
	start := end.AddDate(0, 0, -90)
	obs, err := client.FetchBodyComposition(context.Background(), "491234567", start, end)
	if err != nil {
		t.Fatalf("expected fetch to succeed, got %v", err)
	}
	// Entry without weight is dropped; remaining sorted newest first.
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs))
	}
	if obs[0].Date != "2026-08-20" {
		t.Errorf("expected newest first, got %q", obs[0].Date)
	}
	if obs[0].WeightKg != 82.4 {
		t.Errorf("expected grams normalized to 82.4 kg, got %v", obs[0].WeightKg)
	}
	if obs[0].MuscleMassKg == nil || *obs[0].MuscleMassKg != 35.2 {
		t.Errorf("expected muscle mass 35.2 kg, got %v", obs[0].MuscleMassKg)
	}
}

func TestLogout_RemovesToken(t *testing.T) {
	tokens := newMemoryTokenStore()
	tokens.Save(context.Background(), "491234567", &oauth2.Token{AccessToken: "a-1"})
	client, _ := newTestClient(t, http.NotFoundHandler(), tokens)
	if err := client.Logout(context.Background(), "491234567"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tok, _ := tokens.Load(context.Background(), "491234567")
	if tok != nil {
		t.Error("expected token to be deleted")
	}
}
