package garmin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fitrelay/fitrelay/internal/models"
)

// gramsPerKilogram converts the platform's gram-denominated weights.
const gramsPerKilogram = 1000.0

// bodyCompositionRequest is the submission payload. Weights are kilograms.
type bodyCompositionRequest struct {
	Timestamp         string   `json:"timestamp"`
	UnitKey           string   `json:"unitKey"`
	Weight            float64  `json:"weight"`
	BMI               float64  `json:"bmi,omitempty"`
	BodyFat           float64  `json:"bodyFat,omitempty"`
	MuscleMass        float64  `json:"muscleMass,omitempty"`
	VisceralFatRating int      `json:"visceralFatRating,omitempty"`
	BodyWater         *float64 `json:"bodyWater,omitempty"`
	BoneMass          *float64 `json:"boneMass,omitempty"`
	MetabolicAge      *int     `json:"metabolicAge,omitempty"`
	BasalMet          *int     `json:"basalMet,omitempty"`
}

// Observation is a normalized historical body-composition reading.
type Observation struct {
	Date           string
	WeightKg       float64
	BodyFatPercent *float64
	MuscleMassKg   *float64
}

// weightRangeResponse mirrors the platform's date-range payload. Weight and
// muscle mass arrive in grams.
type weightRangeResponse struct {
	DateWeightList []struct {
		CalendarDate string   `json:"calendarDate"`
		Weight       *float64 `json:"weight"`
		BodyFat      *float64 `json:"bodyFat"`
		MuscleMass   *float64 `json:"muscleMass"`
	} `json:"dateWeightList"`
}

// accessToken loads a valid access token for the participant, refreshing if
// needed. Returns ErrTokenInvalid when no usable token exists.
func (c *Client) accessToken(ctx context.Context, participantID string) (string, error) {
	if err := c.Login(ctx, participantID); err != nil {
		return "", err
	}
	tok, err := c.tokens.Load(ctx, participantID)
	if err != nil {
		return "", fmt.Errorf("garmin: failed to load token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", ErrTokenInvalid
	}
	return tok.AccessToken, nil
}

// SubmitBodyComposition submits a validated entry stamped with the current
// time. A 401/403 from the platform maps to ErrTokenInvalid so callers can
// fall back to credential login.
func (c *Client) SubmitBodyComposition(ctx context.Context, participantID string, entry models.Entry) (models.SubmissionRecord, error) {
	if err := entry.Validate(); err != nil {
		return models.SubmissionRecord{}, err
	}

	token, err := c.accessToken(ctx, participantID)
	if err != nil {
		return models.SubmissionRecord{}, err
	}

	now := time.Now()
	payload := bodyCompositionRequest{
		Timestamp:         now.Format(TimestampLayout),
		UnitKey:           "kg",
		Weight:            entry.Weight,
		BMI:               entry.BMI,
		BodyFat:           entry.PercentFat,
		MuscleMass:        entry.MuscleMass,
		VisceralFatRating: entry.VisceralFatRating,
		BodyWater:         entry.PercentHydration,
		BoneMass:          entry.BoneMass,
		MetabolicAge:      entry.MetabolicAge,
		BasalMet:          entry.BasalMet,
	}

	resp, err := c.doJSON(ctx, http.MethodPost, c.apiBase+"/weight-service/user-weight", token, payload)
	if err != nil {
		return models.SubmissionRecord{}, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drainBody(resp)
		slog.Warn("Garmin submission rejected token", "participantID", participantID, "status", resp.StatusCode)
		return models.SubmissionRecord{}, ErrTokenInvalid
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		detail := drainBody(resp)
		return models.SubmissionRecord{}, fmt.Errorf("garmin: submission failed with status %d: %s", resp.StatusCode, detail)
	}
	drainBody(resp)

	record := models.SubmissionRecord{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		WeightKg:      entry.Weight,
		SubmittedAt:   now,
	}
	slog.Info("Garmin body composition submitted", "participantID", participantID, "timestamp", payload.Timestamp)
	return record, nil
}

// FetchBodyComposition retrieves historical readings in [start, end],
// normalized to kilograms and sorted by calendar date, newest first.
func (c *Client) FetchBodyComposition(ctx context.Context, participantID string, start, end time.Time) ([]Observation, error) {
	token, err := c.accessToken(ctx, participantID)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("startDate", start.Format("2006-01-02"))
	query.Set("endDate", end.Format("2006-01-02"))
	endpoint := c.apiBase + "/weight-service/weight/dateRange?" + query.Encode()

	resp, err := c.doJSON(ctx, http.MethodGet, endpoint, token, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drainBody(resp)
		return nil, ErrTokenInvalid
	case resp.StatusCode != http.StatusOK:
		detail := drainBody(resp)
		return nil, fmt.Errorf("garmin: history fetch failed with status %d: %s", resp.StatusCode, detail)
	}

	var wr weightRangeResponse
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("garmin: failed to decode history response: %w", err)
	}

	observations := make([]Observation, 0, len(wr.DateWeightList))
	for _, w := range wr.DateWeightList {
		if w.Weight == nil {
			continue
		}
		obs := Observation{
			Date:           w.CalendarDate,
			WeightKg:       *w.Weight / gramsPerKilogram,
			BodyFatPercent: w.BodyFat,
		}
		if w.MuscleMass != nil {
			kg := *w.MuscleMass / gramsPerKilogram
			obs.MuscleMassKg = &kg
		}
		observations = append(observations, obs)
	}

	sort.Slice(observations, func(i, j int) bool {
		return observations[i].Date > observations[j].Date
	})

	slog.Debug("Garmin body composition history fetched", "participantID", participantID, "count", len(observations))
	return observations, nil
}
