package garmin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/fitrelay/fitrelay/internal/models"
	"github.com/fitrelay/fitrelay/internal/store"
)

// storeTokenStore persists tokens as JSON credential records in the
// relational store, one row per participant.
type storeTokenStore struct {
	st store.Store
}

// NewStoreTokenStore creates a TokenStore backed by the given store.
func NewStoreTokenStore(st store.Store) TokenStore {
	return &storeTokenStore{st: st}
}

func (s *storeTokenStore) Load(ctx context.Context, participantID string) (*oauth2.Token, error) {
	rec, err := s.st.GetCredentialRecord(participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential record: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(rec.TokenJSON), &tok); err != nil {
		return nil, fmt.Errorf("corrupt token record for %s: %w", participantID, err)
	}
	return &tok, nil
}

func (s *storeTokenStore) Save(ctx context.Context, participantID string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	now := time.Now()
	rec := models.CredentialRecord{
		ParticipantID: participantID,
		TokenJSON:     string(data),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.st.SaveCredentialRecord(rec); err != nil {
		return fmt.Errorf("failed to save credential record: %w", err)
	}
	return nil
}

func (s *storeTokenStore) Delete(ctx context.Context, participantID string) error {
	return s.st.DeleteCredentialRecord(participantID)
}
