package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fitrelay/fitrelay/internal/garmin"
	"github.com/fitrelay/fitrelay/internal/models"
)

// submitRequest is the payload of POST /submit for manual submissions.
type submitRequest struct {
	ParticipantID string       `json:"participant_id"`
	Entry         models.Entry `json:"entry"`
}

// healthHandler reports service health (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	statusCode := http.StatusOK
	if _, err := s.st.GetReceipts(); err != nil {
		slog.Warn("Health check: store probe failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "store unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}

// receiptsHandler returns all delivery receipts (GET /receipts).
func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Error fetching receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// responsesHandler returns all recorded inbound responses (GET /responses).
func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	responses, err := s.st.GetResponses()
	if err != nil {
		slog.Error("Error fetching responses", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch responses"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}

// submissionsHandler returns submission records (GET /submissions), optionally
// filtered by ?participant_id=.
func (s *Server) submissionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	submissions, err := s.st.GetSubmissions(r.URL.Query().Get("participant_id"))
	if err != nil {
		slog.Error("Error fetching submissions", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch submissions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(submissions))
}

// submitHandler relays a manually supplied entry to the platform
// (POST /submit). Unlike the chat flow there is no credential conversation:
// a token failure is reported to the caller.
func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.submitHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	participantID, err := s.msgService.ValidateAndCanonicalizeRecipient(req.ParticipantID)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := req.Entry.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	record, err := s.garmin.SubmitBodyComposition(context.Background(), participantID, req.Entry)
	if err != nil {
		var mfaErr *garmin.MFARequiredError
		switch {
		case errors.Is(err, garmin.ErrTokenInvalid), errors.As(err, &mfaErr):
			slog.Warn("Server.submitHandler: participant not logged in", "participantID", participantID)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Participant is not logged in to the platform"))
		default:
			slog.Error("Server.submitHandler: submission failed", "error", err, "participantID", participantID)
			writeJSONResponse(w, http.StatusBadGateway, models.Error("Submission failed"))
		}
		return
	}

	if err := s.st.AddSubmission(record); err != nil {
		slog.Error("Server.submitHandler: failed to record submission", "error", err, "participantID", participantID)
	}

	slog.Info("Server.submitHandler: submission relayed", "participantID", participantID, "id", record.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(record))
}
