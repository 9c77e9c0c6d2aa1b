package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fitrelay/fitrelay/internal/garmin"
	"github.com/fitrelay/fitrelay/internal/messaging"
	"github.com/fitrelay/fitrelay/internal/models"
	"github.com/fitrelay/fitrelay/internal/profile"
	"github.com/fitrelay/fitrelay/internal/store"
)

// FlowTypeBodySubmission identifies the body-composition submission flow.
const FlowTypeBodySubmission = "body_submission"

// Conversation states. The empty state is equivalent to StateAwaitingEntry.
const (
	StateAwaitingEntry       = "awaiting_entry"
	StateAwaitingCredentials = "awaiting_credentials"
	StateAwaitingMFA         = "awaiting_mfa"
)

// State data keys.
const (
	// DataKeyPendingEntry holds the JSON-encoded entry waiting for login.
	DataKeyPendingEntry = "pending_entry"
	// DataKeyMFATicket holds the challenge ticket of an open MFA login.
	DataKeyMFATicket = "mfa_ticket"
)

// Messages sent back to participants.
const (
	msgNotAuthorized = "⛔ You are not authorized to use this service."
	msgSuccess       = "🎉 SUCCESS! Body composition data submitted to Garmin Connect.\n" +
		"Go check your stats now! 🚀\nconnect.garmin.com/modern/weight"
	msgLoginRequired = "🛑 Garmin Login Required\n" +
		"Your stored session is missing or expired. Please reply with your Garmin email " +
		"on the first line and your password on the second line."
	msgCredentialsFormat = "Please send your Garmin email on the first line and your password on the second line."
	msgAuthFailed        = "❌ Login failed: invalid email or password. Please try again."
	msgMFAPrompt         = "🔑 Multi-factor authentication required.\nPlease reply with the code from your authenticator."
	msgMFARetry          = "❌ That code didn't work. Please reply with a new code."
	msgMFALimit          = "❌ MFA Limit Exceeded\n" +
		"Too many attempts. Please wait 30 minutes and submit your data again."
	msgLoggedOut = "👋 Your Garmin session has been removed."
	tipPrefix    = "\n\n💬 Tip: "
)

// garminClient is the subset of the Garmin client the flow needs.
type garminClient interface {
	SubmitBodyComposition(ctx context.Context, participantID string, entry models.Entry) (models.SubmissionRecord, error)
	LoginWithCredentials(ctx context.Context, participantID, email, password string) error
	ResumeLogin(ctx context.Context, participantID, ticket, code string) error
	Logout(ctx context.Context, participantID string) error
}

// feedbackGenerator produces the optional motivational tip.
type feedbackGenerator interface {
	ForParticipant(ctx context.Context, participantID string) (string, bool)
}

// SubmissionFlow drives the body-composition submission conversation. Each
// inbound message is routed by the participant's persisted state: a data
// entry by default, credentials after a token failure, or an MFA code while
// a challenge is open.
type SubmissionFlow struct {
	msgService   messaging.Service
	stateManager StateManager
	store        store.Store
	garmin       garminClient
	feedback     feedbackGenerator
	// allowlist maps canonical numbers to true. Empty means allow everyone.
	allowlist map[string]bool
	// profiles maps canonical numbers to their scale profile.
	profiles map[string]models.ScaleProfile
}

// NewSubmissionFlow creates a SubmissionFlow. The feedback generator may be
// nil, in which case acknowledgments carry no tip.
func NewSubmissionFlow(msgService messaging.Service, sm StateManager, st store.Store, gc garminClient, fb feedbackGenerator, allowlist []string, profiles map[string]models.ScaleProfile) *SubmissionFlow {
	allowed := make(map[string]bool, len(allowlist))
	for _, number := range allowlist {
		if canonical, err := msgService.ValidateAndCanonicalizeRecipient(number); err == nil {
			allowed[canonical] = true
		} else {
			slog.Warn("SubmissionFlow skipping invalid allowlist entry", "number", number, "error", err)
		}
	}
	canonicalProfiles := make(map[string]models.ScaleProfile, len(profiles))
	for number, p := range profiles {
		canonical, err := msgService.ValidateAndCanonicalizeRecipient(number)
		if err != nil {
			slog.Warn("SubmissionFlow skipping invalid profile mapping", "number", number, "error", err)
			continue
		}
		if !models.IsValidScaleProfile(p) {
			slog.Warn("SubmissionFlow skipping unknown scale profile", "number", number, "profile", p)
			continue
		}
		canonicalProfiles[canonical] = p
	}
	return &SubmissionFlow{
		msgService:   msgService,
		stateManager: sm,
		store:        st,
		garmin:       gc,
		feedback:     fb,
		allowlist:    allowed,
		profiles:     canonicalProfiles,
	}
}

// HandleResponse is the messaging.ResponseAction entry point of the flow.
func (f *SubmissionFlow) HandleResponse(ctx context.Context, from, responseText string, timestamp int64) (bool, error) {
	if !f.isAllowed(from) {
		slog.Warn("SubmissionFlow rejected unauthorized sender", "from", from)
		return true, f.msgService.SendMessage(ctx, from, msgNotAuthorized)
	}

	state, err := f.stateManager.GetCurrentState(ctx, from, FlowTypeBodySubmission)
	if err != nil {
		return false, fmt.Errorf("failed to get flow state: %w", err)
	}

	switch state {
	case StateAwaitingCredentials:
		return f.handleCredentials(ctx, from, responseText)
	case StateAwaitingMFA:
		return f.handleMFACode(ctx, from, responseText)
	default:
		return f.handleEntry(ctx, from, responseText)
	}
}

// isAllowed checks the sender against the allowlist. An empty allowlist
// admits everyone.
func (f *SubmissionFlow) isAllowed(from string) bool {
	if len(f.allowlist) == 0 {
		return true
	}
	return f.allowlist[from]
}

// profileFor returns the participant's scale profile, defaulting when unmapped.
func (f *SubmissionFlow) profileFor(from string) models.ScaleProfile {
	if p, ok := f.profiles[from]; ok {
		return p
	}
	return models.DefaultProfile
}

// handleEntry parses a measurement in the participant's scale format and
// attempts submission. "logout" removes the stored session instead.
func (f *SubmissionFlow) handleEntry(ctx context.Context, from, text string) (bool, error) {
	if strings.EqualFold(strings.TrimSpace(text), "logout") {
		if err := f.garmin.Logout(ctx, from); err != nil {
			slog.Error("SubmissionFlow logout failed", "error", err, "participantID", from)
			return true, f.msgService.SendMessage(ctx, from, "❌ Could not remove your session. Please try again.")
		}
		return true, f.msgService.SendMessage(ctx, from, msgLoggedOut)
	}

	entry, err := profile.Parse(f.profileFor(from), text)
	if err != nil {
		slog.Debug("SubmissionFlow entry rejected", "error", err, "participantID", from)
		return true, f.msgService.SendMessage(ctx, from, "Input validation error: "+err.Error())
	}

	return f.submit(ctx, from, entry)
}

// handleCredentials processes an email/password reply and retries the
// pending submission on success.
func (f *SubmissionFlow) handleCredentials(ctx context.Context, from, text string) (bool, error) {
	email, password, ok := splitCredentials(text)
	if !ok {
		return true, f.msgService.SendMessage(ctx, from, msgCredentialsFormat)
	}

	err := f.garmin.LoginWithCredentials(ctx, from, email, password)
	var mfaErr *garmin.MFARequiredError
	switch {
	case err == nil:
		return f.submitPending(ctx, from)
	case errors.As(err, &mfaErr):
		if serr := f.stateManager.SetStateData(ctx, from, FlowTypeBodySubmission, DataKeyMFATicket, mfaErr.Ticket); serr != nil {
			return false, serr
		}
		if serr := f.stateManager.SetCurrentState(ctx, from, FlowTypeBodySubmission, StateAwaitingMFA); serr != nil {
			return false, serr
		}
		return true, f.msgService.SendMessage(ctx, from, msgMFAPrompt)
	case errors.Is(err, garmin.ErrAuthFailed):
		return true, f.msgService.SendMessage(ctx, from, msgAuthFailed)
	case errors.Is(err, garmin.ErrTooManyMFA):
		return f.abortForMFALimit(ctx, from)
	default:
		slog.Error("SubmissionFlow credential login failed", "error", err, "participantID", from)
		return true, f.msgService.SendMessage(ctx, from, "❌ Login failed: "+err.Error())
	}
}

// handleMFACode completes the open MFA challenge and retries the pending
// submission on success.
func (f *SubmissionFlow) handleMFACode(ctx context.Context, from, text string) (bool, error) {
	ticket, err := f.stateManager.GetStateData(ctx, from, FlowTypeBodySubmission, DataKeyMFATicket)
	if err != nil {
		return false, err
	}
	if ticket == "" {
		// Challenge state without a ticket cannot be completed. Start over.
		if serr := f.stateManager.ResetState(ctx, from, FlowTypeBodySubmission); serr != nil {
			return false, serr
		}
		return true, f.msgService.SendMessage(ctx, from, msgLoginRequired)
	}

	code := strings.TrimSpace(text)
	err = f.garmin.ResumeLogin(ctx, from, ticket, code)
	var mfaErr *garmin.MFARequiredError
	switch {
	case err == nil:
		return f.submitPending(ctx, from)
	case errors.As(err, &mfaErr):
		return true, f.msgService.SendMessage(ctx, from, msgMFARetry)
	case errors.Is(err, garmin.ErrTooManyMFA):
		return f.abortForMFALimit(ctx, from)
	default:
		slog.Error("SubmissionFlow MFA login failed", "error", err, "participantID", from)
		return true, f.msgService.SendMessage(ctx, from, "❌ Login failed: "+err.Error())
	}
}

// abortForMFALimit clears the conversation and asks the participant to wait.
func (f *SubmissionFlow) abortForMFALimit(ctx context.Context, from string) (bool, error) {
	if err := f.stateManager.ResetState(ctx, from, FlowTypeBodySubmission); err != nil {
		return false, err
	}
	return true, f.msgService.SendMessage(ctx, from, msgMFALimit)
}

// submitPending re-submits the entry stashed before the login detour.
func (f *SubmissionFlow) submitPending(ctx context.Context, from string) (bool, error) {
	raw, err := f.stateManager.GetStateData(ctx, from, FlowTypeBodySubmission, DataKeyPendingEntry)
	if err != nil {
		return false, err
	}
	if raw == "" {
		// Logged in but nothing queued; back to entry collection.
		if serr := f.stateManager.ResetState(ctx, from, FlowTypeBodySubmission); serr != nil {
			return false, serr
		}
		return true, f.msgService.SendMessage(ctx, from, "✅ Logged in. Send your measurement whenever you're ready.")
	}

	var entry models.Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		slog.Error("SubmissionFlow corrupt pending entry", "error", err, "participantID", from)
		if serr := f.stateManager.ResetState(ctx, from, FlowTypeBodySubmission); serr != nil {
			return false, serr
		}
		return true, f.msgService.SendMessage(ctx, from, "❌ Your queued measurement was lost. Please send it again.")
	}

	return f.submit(ctx, from, entry)
}

// submit relays the entry to Garmin and reports the outcome. A token failure
// stashes the entry and switches the conversation to credential collection.
func (f *SubmissionFlow) submit(ctx context.Context, from string, entry models.Entry) (bool, error) {
	record, err := f.garmin.SubmitBodyComposition(ctx, from, entry)
	if err != nil {
		if errors.Is(err, garmin.ErrTokenInvalid) {
			return f.requestCredentials(ctx, from, entry)
		}
		slog.Error("SubmissionFlow submission failed", "error", err, "participantID", from)
		return true, f.msgService.SendMessage(ctx, from, "❌ Submission failed: "+err.Error())
	}

	if err := f.store.AddSubmission(record); err != nil {
		// The platform accepted the data; a bookkeeping failure must not
		// turn the acknowledgment into an error.
		slog.Error("SubmissionFlow failed to record submission", "error", err, "participantID", from)
	}
	if err := f.stateManager.ResetState(ctx, from, FlowTypeBodySubmission); err != nil {
		slog.Error("SubmissionFlow failed to reset state", "error", err, "participantID", from)
	}

	ack := msgSuccess
	if f.feedback != nil {
		if tip, ok := f.feedback.ForParticipant(ctx, from); ok {
			ack += tipPrefix + tip
		}
	}
	return true, f.msgService.SendMessage(ctx, from, ack)
}

// requestCredentials stashes the entry and asks for email/password.
func (f *SubmissionFlow) requestCredentials(ctx context.Context, from string, entry models.Entry) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to encode pending entry: %w", err)
	}
	if err := f.stateManager.SetStateData(ctx, from, FlowTypeBodySubmission, DataKeyPendingEntry, string(data)); err != nil {
		return false, err
	}
	if err := f.stateManager.SetCurrentState(ctx, from, FlowTypeBodySubmission, StateAwaitingCredentials); err != nil {
		return false, err
	}
	return true, f.msgService.SendMessage(ctx, from, msgLoginRequired)
}

// splitCredentials extracts email and password from a two-line reply. A
// single line with one space also works for participants who ignore the
// instructions.
func splitCredentials(text string) (email, password string, ok bool) {
	lines := make([]string, 0, 2)
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) >= 2 {
		return lines[0], lines[1], true
	}
	if len(lines) == 1 {
		fields := strings.Fields(lines[0])
		if len(fields) == 2 {
			return fields[0], fields[1], true
		}
	}
	return "", "", false
}
