package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fitrelay/fitrelay/internal/models"
	"github.com/fitrelay/fitrelay/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestSchedulerAddJob_InvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
}

type mockRefresher struct {
	refreshed []string
	failFor   string
}

func (m *mockRefresher) Login(ctx context.Context, participantID string) error {
	if participantID == m.failFor {
		return errors.New("refresh rejected")
	}
	m.refreshed = append(m.refreshed, participantID)
	return nil
}

func TestTokenRefreshJob_RefreshesAllRecords(t *testing.T) {
	st := store.NewInMemoryStore()
	for _, pid := range []string{"491111111", "492222222", "493333333"} {
		st.SaveCredentialRecord(models.CredentialRecord{ParticipantID: pid, TokenJSON: "{}", CreatedAt: time.Now()})
	}

	refresher := &mockRefresher{failFor: "492222222"}
	job := NewTokenRefreshJob(st, refresher)
	job()

	if len(refresher.refreshed) != 2 {
		t.Fatalf("expected 2 refreshed participants, got %d", len(refresher.refreshed))
	}
	for _, pid := range refresher.refreshed {
		if pid == "492222222" {
			t.Error("failed participant must be skipped, not retried here")
		}
	}
}

func TestTokenRefreshJob_EmptyStore(t *testing.T) {
	refresher := &mockRefresher{}
	job := NewTokenRefreshJob(store.NewInMemoryStore(), refresher)
	job()
	if len(refresher.refreshed) != 0 {
		t.Errorf("nothing to refresh, got %v", refresher.refreshed)
	}
}
