// Package api provides the admin HTTP endpoints and the bootstrap that wires
// FitRelay's modules together.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fitrelay/fitrelay/internal/feedback"
	"github.com/fitrelay/fitrelay/internal/flow"
	"github.com/fitrelay/fitrelay/internal/garmin"
	"github.com/fitrelay/fitrelay/internal/genai"
	"github.com/fitrelay/fitrelay/internal/lockfile"
	"github.com/fitrelay/fitrelay/internal/messaging"
	"github.com/fitrelay/fitrelay/internal/models"
	"github.com/fitrelay/fitrelay/internal/scheduler"
	"github.com/fitrelay/fitrelay/internal/store"
	"github.com/fitrelay/fitrelay/internal/twiliowhatsapp"
	"github.com/fitrelay/fitrelay/internal/whatsapp"
)

// Defaults for the API server.
const (
	DefaultAddr            = ":8080"
	DefaultStateDir        = "/var/lib/fitrelay"
	DefaultShutdownTimeout = 10 * time.Second
)

// Messaging backend identifiers.
const (
	BackendWhatsmeow = "whatsmeow"
	BackendTwilio    = "twilio"
)

// Opts holds configuration options for the API server and bootstrap.
type Opts struct {
	Addr                 string
	StateDir             string
	MessagingBackend     string
	AllowedNumbers       []string
	Profiles             map[string]models.ScaleProfile
	TokenRefreshSchedule string
	GarminOpts           []garmin.Option
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the state directory used for the instance lock.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithMessagingBackend selects the chat transport ("whatsmeow" or "twilio").
func WithMessagingBackend(backend string) Option {
	return func(o *Opts) { o.MessagingBackend = backend }
}

// WithAllowedNumbers sets the sender allowlist. Empty admits everyone.
func WithAllowedNumbers(numbers []string) Option {
	return func(o *Opts) { o.AllowedNumbers = numbers }
}

// WithProfiles sets the per-participant scale profile map.
func WithProfiles(profiles map[string]models.ScaleProfile) Option {
	return func(o *Opts) { o.Profiles = profiles }
}

// WithTokenRefreshSchedule sets the cron expression of the token refresh job.
func WithTokenRefreshSchedule(expr string) Option {
	return func(o *Opts) { o.TokenRefreshSchedule = expr }
}

// WithGarminOptions forwards options to the Garmin client (endpoint
// overrides, custom HTTP client).
func WithGarminOptions(opts ...garmin.Option) Option {
	return func(o *Opts) { o.GarminOpts = append(o.GarminOpts, opts...) }
}

// garminSubmitter is the slice of the Garmin client the handlers use.
type garminSubmitter interface {
	SubmitBodyComposition(ctx context.Context, participantID string, entry models.Entry) (models.SubmissionRecord, error)
}

// Server holds the wired modules and the HTTP handlers.
type Server struct {
	msgService  messaging.Service
	respHandler *messaging.ResponseHandler
	st          store.Store
	garmin      garminSubmitter
	httpServer  *http.Server
	submitFlow  *flow.SubmissionFlow
}

// Run wires all modules together and blocks until SIGINT/SIGTERM.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.MessagingBackend == "" {
		cfg.MessagingBackend = BackendWhatsmeow
	}
	if cfg.TokenRefreshSchedule == "" {
		cfg.TokenRefreshSchedule = scheduler.DefaultTokenRefreshSchedule
	}

	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to acquire state directory lock: %w", err)
	}
	defer lock.Release()

	st, err := store.NewStore(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	msgService, err := buildMessagingService(cfg.MessagingBackend, waOpts)
	if err != nil {
		return err
	}

	garminOpts := append([]garmin.Option{garmin.WithTokenStore(garmin.NewStoreTokenStore(st))}, cfg.GarminOpts...)
	garminClient, err := garmin.NewClient(garminOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize Garmin client: %w", err)
	}

	// Feedback is optional: a missing OpenAI key disables the tip, never the relay.
	var feedbackGen *feedback.Generator
	if genaiClient, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("GenAI client unavailable, feedback tips disabled", "error", err)
	} else {
		feedbackGen = feedback.NewGenerator(garminClient, genaiClient)
	}

	stateManager := flow.NewStoreBasedStateManager(st)
	submitFlow := flow.NewSubmissionFlow(msgService, stateManager, st, garminClient, feedbackGen, cfg.AllowedNumbers, cfg.Profiles)

	respHandler := messaging.NewResponseHandler(msgService)
	respHandler.SetDefaultAction(submitFlow.HandleResponse)
	respHandler.SetRecorder(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	respHandler.Start(ctx)
	go consumeReceipts(ctx, msgService, st)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(cfg.TokenRefreshSchedule, scheduler.NewTokenRefreshJob(st, garminClient)); err != nil {
		return fmt.Errorf("failed to schedule token refresh: %w", err)
	}

	server := &Server{
		msgService:  msgService,
		respHandler: respHandler,
		st:          st,
		garmin:      garminClient,
		submitFlow:  submitFlow,
	}

	mux := http.NewServeMux()
	server.registerRoutes(mux, msgService)
	server.httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("FitRelay API listening", "addr", cfg.Addr)
		if err := server.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case sig := <-sigCh:
		slog.Info("Shutting down on signal", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()
	if err := server.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	return nil
}

// buildMessagingService constructs the selected chat transport.
func buildMessagingService(backend string, waOpts []whatsapp.Option) (messaging.Service, error) {
	switch backend {
	case BackendTwilio:
		twClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		return messaging.NewTwilioService(twClient), nil
	case BackendWhatsmeow:
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(waClient), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q", backend)
	}
}

// consumeReceipts persists delivery receipts emitted by the transport.
func consumeReceipts(ctx context.Context, msgService messaging.Service, st store.Store) {
	for {
		select {
		case receipt, ok := <-msgService.Receipts():
			if !ok {
				return
			}
			if err := st.AddReceipt(receipt); err != nil {
				slog.Error("Failed to store receipt", "error", err, "to", receipt.To)
			}
		case <-ctx.Done():
			return
		}
	}
}

// registerRoutes attaches the admin endpoints, plus the Twilio webhook when
// that backend is active.
func (s *Server) registerRoutes(mux *http.ServeMux, msgService messaging.Service) {
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/receipts", s.receiptsHandler)
	mux.HandleFunc("/responses", s.responsesHandler)
	mux.HandleFunc("/submissions", s.submissionsHandler)
	mux.HandleFunc("/submit", s.submitHandler)

	if twilioSvc, ok := msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", twilioSvc.TwilioWebhookHandler)
	}
}
