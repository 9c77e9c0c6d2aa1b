// Package store provides storage backends for FitRelay.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/fitrelay/fitrelay/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES ($1, $2, $3)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *PostgresStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts`)
	if err != nil {
		slog.Error("PostgresStore GetReceipts query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *PostgresStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time) VALUES ($1, $2, $3)`, r.From, r.Body, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *PostgresStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, time FROM responses`)
	if err != nil {
		slog.Error("PostgresStore GetResponses query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.From, &r.Body, &r.Time); err != nil {
			return nil, err
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// SaveFlowState stores or updates flow state for a participant.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	query := `
		INSERT INTO flow_states (participant_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (participant_id, flow_type)
		DO UPDATE SET current_state = EXCLUDED.current_state, state_data = EXCLUDED.state_data, updated_at = EXCLUDED.updated_at`

	var stateDataJSON string
	if len(state.StateData) > 0 {
		jsonBytes, err := json.Marshal(state.StateData)
		if err != nil {
			slog.Error("PostgresStore SaveFlowState JSON marshal failed", "error", err, "participantID", state.ParticipantID)
			return err
		}
		stateDataJSON = string(jsonBytes)
	}

	_, err := s.db.Exec(query, state.ParticipantID, state.FlowType, state.CurrentState,
		nilIfEmpty(stateDataJSON), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return err
	}
	return nil
}

// GetFlowState retrieves flow state for a participant.
func (s *PostgresStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	query := `SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE participant_id = $1 AND flow_type = $2`

	var state models.FlowState
	var stateDataJSON sql.NullString

	err := s.db.QueryRow(query, participantID, flowType).Scan(
		&state.ParticipantID, &state.FlowType, &state.CurrentState,
		&stateDataJSON, &state.CreatedAt, &state.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, err
	}

	if stateDataJSON.Valid && stateDataJSON.String != "" {
		state.StateData = make(map[string]string)
		if err := json.Unmarshal([]byte(stateDataJSON.String), &state.StateData); err != nil {
			slog.Error("PostgresStore GetFlowState JSON unmarshal failed", "error", err, "participantID", participantID)
			state.StateData = make(map[string]string)
		}
	}

	return &state, nil
}

// DeleteFlowState removes flow state for a participant.
func (s *PostgresStore) DeleteFlowState(participantID, flowType string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE participant_id = $1 AND flow_type = $2`, participantID, flowType)
	if err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}
	return nil
}

// SaveCredentialRecord stores or updates a participant's token record.
func (s *PostgresStore) SaveCredentialRecord(rec models.CredentialRecord) error {
	query := `
		INSERT INTO credential_records (participant_id, token_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_id)
		DO UPDATE SET token_json = EXCLUDED.token_json, updated_at = EXCLUDED.updated_at`

	_, err := s.db.Exec(query, rec.ParticipantID, rec.TokenJSON, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveCredentialRecord failed", "error", err, "participantID", rec.ParticipantID)
		return err
	}
	return nil
}

// GetCredentialRecord retrieves a participant's token record, or nil when absent.
func (s *PostgresStore) GetCredentialRecord(participantID string) (*models.CredentialRecord, error) {
	var rec models.CredentialRecord
	err := s.db.QueryRow(
		`SELECT participant_id, token_json, created_at, updated_at FROM credential_records WHERE participant_id = $1`,
		participantID).Scan(&rec.ParticipantID, &rec.TokenJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCredentialRecord failed", "error", err, "participantID", participantID)
		return nil, err
	}
	return &rec, nil
}

// DeleteCredentialRecord removes a participant's token record.
func (s *PostgresStore) DeleteCredentialRecord(participantID string) error {
	_, err := s.db.Exec(`DELETE FROM credential_records WHERE participant_id = $1`, participantID)
	if err != nil {
		slog.Error("PostgresStore DeleteCredentialRecord failed", "error", err, "participantID", participantID)
		return err
	}
	return nil
}

// ListCredentialRecords returns all token records, used by the refresh job.
func (s *PostgresStore) ListCredentialRecords() ([]models.CredentialRecord, error) {
	rows, err := s.db.Query(`SELECT participant_id, token_json, created_at, updated_at FROM credential_records ORDER BY participant_id`)
	if err != nil {
		slog.Error("PostgresStore ListCredentialRecords query failed", "error", err)
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
func (s *PostgresStore) AddSubmission(sub models.SubmissionRecord) error {
	_, err := s.db.Exec(`INSERT INTO submissions (id, participant_id, weight_kg, submitted_at) VALUES ($1, $2, $3, $4)`,
		sub.ID, sub.ParticipantID, sub.WeightKg, sub.SubmittedAt)
	if err != nil {
		slog.Error("PostgresStore AddSubmission failed", "error", err, "participantID", sub.ParticipantID)
		return err
	}
	return nil
}

// GetSubmissions returns logged submissions, optionally filtered by participant.
func (s *PostgresStore) GetSubmissions(participantID string) ([]models.SubmissionRecord, error) {
	query := `SELECT id, participant_id, weight_kg, submitted_at FROM submissions`
	args := []interface{}{}
	if participantID != "" {
		query += ` WHERE participant_id = $1`
		args = append(args, participantID)
	}
	query += ` ORDER BY submitted_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore GetSubmissions query failed", "error", err)
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
