// Package store provides storage backends for FitRelay.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/fitrelay/fitrelay/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts`)
	if err != nil {
		slog.Error("SQLiteStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			slog.Error("SQLiteStore GetReceipts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

func (s *SQLiteStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time) VALUES (?, ?, ?)`, r.From, r.Body, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *SQLiteStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, time FROM responses`)
	if err != nil {
		slog.Error("SQLiteStore GetResponses query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.From, &r.Body, &r.Time); err != nil {
			slog.Error("SQLiteStore GetResponses scan failed", "error", err)
			return nil, err
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// SaveFlowState stores or updates flow state for a participant.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	query := `
		INSERT OR REPLACE INTO flow_states (participant_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	var stateDataJSON string
	if len(state.StateData) > 0 {
		jsonBytes, err := json.Marshal(state.StateData)
		if err != nil {
			slog.Error("SQLiteStore SaveFlowState JSON marshal failed", "error", err, "participantID", state.ParticipantID)
			return err
		}
		stateDataJSON = string(jsonBytes)
	}

	_, err := s.db.Exec(query, state.ParticipantID, state.FlowType, state.CurrentState,
		nilIfEmpty(stateDataJSON), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return err
	}
	return nil
}

// GetFlowState retrieves flow state for a participant.
func (s *SQLiteStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	query := `SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE participant_id = ? AND flow_type = ?`

	var state models.FlowState
	var stateDataJSON sql.NullString

	err := s.db.QueryRow(query, participantID, flowType).Scan(
		&state.ParticipantID, &state.FlowType, &state.CurrentState,
		&stateDataJSON, &state.CreatedAt, &state.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, err
	}

	if stateDataJSON.Valid && stateDataJSON.String != "" {
		state.StateData = make(map[string]string)
		if err := json.Unmarshal([]byte(stateDataJSON.String), &state.StateData); err != nil {
			slog.Error("SQLiteStore GetFlowState JSON unmarshal failed", "error", err, "participantID", participantID)
			// Continue with empty map rather than failing
			state.StateData = make(map[string]string)
		}
	}

	return &state, nil
}

// DeleteFlowState removes flow state for a participant.
func (s *SQLiteStore) DeleteFlowState(participantID, flowType string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE participant_id = ? AND flow_type = ?`, participantID, flowType)
	if err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}
	return nil
}

// SaveCredentialRecord stores or updates a participant's token record.
func (s *SQLiteStore) SaveCredentialRecord(rec models.CredentialRecord) error {
	query := `
		INSERT INTO credential_records (participant_id, token_json, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(participant_id) DO UPDATE SET token_json = excluded.token_json, updated_at = excluded.updated_at`

	_, err := s.db.Exec(query, rec.ParticipantID, rec.TokenJSON, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveCredentialRecord failed", "error", err, "participantID", rec.ParticipantID)
		return err
	}
	return nil
}

// GetCredentialRecord retrieves a participant's token record, or nil when absent.
func (s *SQLiteStore) GetCredentialRecord(participantID string) (*models.CredentialRecord, error) {
	var rec models.CredentialRecord
	err := s.db.QueryRow(
		`SELECT participant_id, token_json, created_at, updated_at FROM credential_records WHERE participant_id = ?`,
		participantID).Scan(&rec.ParticipantID, &rec.TokenJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCredentialRecord failed", "error", err, "participantID", participantID)
		return nil, err
	}
	return &rec, nil
}

// DeleteCredentialRecord removes a participant's token record.
func (s *SQLiteStore) DeleteCredentialRecord(participantID string) error {
	_, err := s.db.Exec(`DELETE FROM credential_records WHERE participant_id = ?`, participantID)
	if err != nil {
		slog.Error("SQLiteStore DeleteCredentialRecord failed", "error", err, "participantID", participantID)
		return err
	}
	return nil
}

// ListCredentialRecords returns all token records, used by the refresh job.
func (s *SQLiteStore) ListCredentialRecords() ([]models.CredentialRecord, error) {
	rows, err := s.db.Query(`SELECT participant_id, token_json, created_at, updated_at FROM credential_records ORDER BY participant_id`)
	if err != nil {
		slog.Error("SQLiteStore ListCredentialRecords query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var recs []models.CredentialRecord
	for rows.Next() {
		var rec models.CredentialRecord
		if err := rows.Scan(&rec.ParticipantID, &rec.TokenJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AddSubmission logs a successful submission.
func (s *SQLiteStore) AddSubmission(sub models.SubmissionRecord) error {
	_, err := s.db.Exec(`INSERT INTO submissions (id, participant_id, weight_kg, submitted_at) VALUES (?, ?, ?, ?)`,
		sub.ID, sub.ParticipantID, sub.WeightKg, sub.SubmittedAt)
	if err != nil {
		slog.Error("SQLiteStore AddSubmission failed", "error", err, "participantID", sub.ParticipantID)
		return err
	}
	return nil
}

// GetSubmissions returns logged submissions, optionally filtered by participant.
func (s *SQLiteStore) GetSubmissions(participantID string) ([]models.SubmissionRecord, error) {
	query := `SELECT id, participant_id, weight_kg, submitted_at FROM submissions`
	args := []interface{}{}
	if participantID != "" {
		query += ` WHERE participant_id = ?`
		args = append(args, participantID)
	}
	query += ` ORDER BY submitted_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetSubmissions query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var subs []models.SubmissionRecord
	for rows.Next() {
		var sub models.SubmissionRecord
		if err := rows.Scan(&sub.ID, &sub.ParticipantID, &sub.WeightKg, &sub.SubmittedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
