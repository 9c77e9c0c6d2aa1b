// Package store provides storage backends for FitRelay.
//
// It includes an in-memory store for tests and SQLite/PostgreSQL backed
// stores for credential records, flow states, submissions, receipts and
// responses.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/fitrelay/fitrelay/internal/models"
)

// Store is the persistence contract shared by all backends.
type Store interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)

	SaveFlowState(state models.FlowState) error
	GetFlowState(participantID, flowType string) (*models.FlowState, error)
	DeleteFlowState(participantID, flowType string) error

	SaveCredentialRecord(rec models.CredentialRecord) error
	GetCredentialRecord(participantID string) (*models.CredentialRecord, error)
	DeleteCredentialRecord(participantID string) error
	ListCredentialRecords() ([]models.CredentialRecord, error)

	AddSubmission(sub models.SubmissionRecord) error
	GetSubmissions(participantID string) ([]models.SubmissionRecord, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// InMemoryStore is a simple in-memory store, used in tests and as a fallback.
type InMemoryStore struct {
	mu          sync.RWMutex
	receipts    []models.Receipt
	responses   []models.Response
	flowStates  map[string]models.FlowState
	credentials map[string]models.CredentialRecord
	submissions []models.SubmissionRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flowStates:  make(map[string]models.FlowState),
		credentials: make(map[string]models.CredentialRecord),
	}
}

func flowStateKey(participantID, flowType string) string {
	return participantID + "|" + flowType
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Response, len(s.responses))
	copy(out, s.responses)
	return out, nil
}

func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowStates[flowStateKey(state.ParticipantID, state.FlowType)] = state
	return nil
}

func (s *InMemoryStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.flowStates[flowStateKey(participantID, flowType)]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *InMemoryStore) DeleteFlowState(participantID, flowType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, flowStateKey(participantID, flowType))
	return nil
}

func (s *InMemoryStore) SaveCredentialRecord(rec models.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.credentials[rec.ParticipantID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.credentials[rec.ParticipantID] = rec
	return nil
}

func (s *InMemoryStore) GetCredentialRecord(participantID string) (*models.CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.credentials[participantID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) DeleteCredentialRecord(participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, participantID)
	return nil
}

func (s *InMemoryStore) ListCredentialRecords() ([]models.CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CredentialRecord, 0, len(s.credentials))
	for _, rec := range s.credentials {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (s *InMemoryStore) AddSubmission(sub models.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, sub)
	return nil
}

func (s *InMemoryStore) GetSubmissions(participantID string) ([]models.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SubmissionRecord
	for _, sub := range s.submissions {
		if participantID == "" || sub.ParticipantID == participantID {
			out = append(out, sub)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
