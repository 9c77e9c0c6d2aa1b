// Package scheduler provides cron-based background jobs for FitRelay,
// most importantly the proactive refresh of Garmin tokens nearing expiry.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/fitrelay/fitrelay/internal/store"
)

// DefaultTokenRefreshSchedule runs the token refresh every six hours.
const DefaultTokenRefreshSchedule = "0 */6 * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler using the standard
// 5-field expression format, with panic recovery around jobs.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// tokenRefresher renews a participant's stored token when it is expired or
// close to expiry. garmin.Client.Login has exactly this behavior.
type tokenRefresher interface {
	Login(ctx context.Context, participantID string) error
}

// NewTokenRefreshJob returns a job that walks all credential records and
// refreshes each participant's token. Per-participant failures are logged
// and skipped so one broken account cannot stall the rest.
func NewTokenRefreshJob(st store.Store, refresher tokenRefresher) func() {
	return func() {
		ctx := context.Background()
		records, err := st.ListCredentialRecords()
		if err != nil {
			slog.Error("TokenRefreshJob failed to list credential records", "error", err)
			return
		}

		refreshed := 0
		for _, rec := range records {
			if err := refresher.Login(ctx, rec.ParticipantID); err != nil {
				slog.Warn("TokenRefreshJob refresh failed", "error", err, "participantID", rec.ParticipantID)
				continue
			}
			refreshed++
		}
		slog.Info("TokenRefreshJob completed", "total", len(records), "refreshed", refreshed)
	}
}
