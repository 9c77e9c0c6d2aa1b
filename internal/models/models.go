// Package models defines the core data structures for FitRelay.
//
// It includes types for body-composition entries, scale profiles,
// credential records, submission records, and delivery/read receipts,
// which are shared across modules.
package models

import (
	"errors"
	"time"
)

// ScaleProfile identifies the input format a participant's scale produces.
type ScaleProfile string

const (
	// ProfileOmron expects 5 values: weight, BMI, percent fat, percent muscle, visceral rating.
	ProfileOmron ScaleProfile = "OMRON"
	// ProfileMiScale expects 7 values: weight, BMI, percent fat, percent hydration,
	// visceral rating, bone mass, muscle mass.
	ProfileMiScale ScaleProfile = "MI_SCALE"
)

// DefaultProfile is used for participants without an explicit profile mapping.
const DefaultProfile = ProfileOmron

// IsValidScaleProfile checks if the given scale profile is supported.
func IsValidScaleProfile(p ScaleProfile) bool {
	switch p {
	case ProfileOmron, ProfileMiScale:
		return true
	default:
		return false
	}
}

// Validation constants for entries.
const (
	// MinWeightKg is the lowest weight accepted as a plausible reading.
	MinWeightKg = 1.0
	// MaxFeedbackLength is the hard cap on AI-generated feedback messages.
	MaxFeedbackLength = 150
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrUnknownProfile   = errors.New("unknown scale profile")
	ErrWeightOutOfRange = errors.New("weight must be > 1 kg and positive")
	ErrEmptyEntry       = errors.New("entry contains no values")
)

// Entry is a single user-submitted body-composition data point.
// Weight and muscle mass are in kilograms. Optional fields are nil when the
// participant's scale does not report them.
type Entry struct {
	Weight            float64  `json:"weight"`
	BMI               float64  `json:"bmi"`
	PercentFat        float64  `json:"percent_fat"`
	PercentMuscle     float64  `json:"percent_muscle"`
	MuscleMass        float64  `json:"muscle_mass"`
	VisceralFatRating int      `json:"visceral_fat_rating"`
	PercentHydration  *float64 `json:"percent_hydration,omitempty"`
	BoneMass          *float64 `json:"bone_mass,omitempty"`
	MetabolicAge      *int     `json:"metabolic_age,omitempty"`
	BasalMet          *int     `json:"basal_met,omitempty"`
}

// Validate checks range constraints shared by all scale profiles.
func (e *Entry) Validate() error {
	if e.Weight <= MinWeightKg {
		return ErrWeightOutOfRange
	}
	return nil
}

// CredentialRecord is a per-participant fitness-platform token record,
// retained across sessions. TokenJSON holds the serialized OAuth2 token pair.
type CredentialRecord struct {
	ParticipantID string    `json:"participant_id"`
	TokenJSON     string    `json:"token_json"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SubmissionRecord logs a successful body-composition submission.
type SubmissionRecord struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participant_id"`
	WeightKg      float64   `json:"weight_kg"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// StatusType represents the delivery status of an outbound message.
type StatusType string

const (
	StatusTypeSent      StatusType = "sent"
	StatusTypeDelivered StatusType = "delivered"
	StatusTypeRead      StatusType = "read"
)

// Receipt records the delivery status of an outbound chat message.
type Receipt struct {
	To     string     `json:"to"`
	Status StatusType `json:"status"`
	Time   int64      `json:"time"`
}

// Response records an inbound chat message from a participant.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIResponse is the envelope for admin API responses.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Success builds a success API response carrying optional data.
func Success(data interface{}) APIResponse {
	return APIResponse{Status: "ok", Data: data}
}

// Error builds an error API response with the given message.
func Error(message string) APIResponse {
	return APIResponse{Status: "error", Message: message}
}
