// Package profile parses and validates raw chat input into body-composition
// entries, dispatching on the participant's scale profile.
//
// Input is one numeric value per line. Anything after '#' on a line is a
// comment and is stripped before parsing; blank lines are ignored.
package profile

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/fitrelay/fitrelay/internal/models"
)

// Expected line counts per scale profile.
const (
	OmronValueCount   = 5
	MiScaleValueCount = 7
)

// miScaleUsage is kept in Spanish for parity with the existing Mi Scale user base.
const miScaleUsage = "Se esperan 7 valores, uno por linea.\nEn este orden: \n\nPeso\nIMC\nGrasa\nAgua\nGrasa visceral\nMasa ósea\nMúsculo"

// ValidationError describes rejected input. The message is relayed verbatim
// to the participant, so it must be self-contained.
type ValidationError struct {
	Profile models.ScaleProfile
	Reason  string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Parse strips comments from the raw message text and validates it against
// the given scale profile, returning a normalized entry.
func Parse(p models.ScaleProfile, text string) (models.Entry, error) {
	lines := splitValues(text)
	slog.Debug("profile.Parse dispatching", "profile", p, "lines", len(lines))

	switch p {
	case models.ProfileOmron:
		return parseOmron(lines)
	case models.ProfileMiScale:
		return parseMiScale(lines)
	default:
		return models.Entry{}, fmt.Errorf("%w: %q", models.ErrUnknownProfile, p)
	}
}

// splitValues breaks the message into value lines, dropping comments and
// blank lines.
func splitValues(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// parseOmron validates the 5-value OMRON format. Muscle mass is derived from
// weight and muscle percentage, as the scale only reports a percentage.
func parseOmron(lines []string) (models.Entry, error) {
	if len(lines) < OmronValueCount {
		return models.Entry{}, &ValidationError{
			Profile: models.ProfileOmron,
			Reason:  "Expected 5 lines/values (weight, bmi, percent_fat, percent_muscle, visceral).",
		}
	}

	weight, err := parseFloat(lines[0], "weight")
	if err != nil {
		return models.Entry{}, err
	}
	bmi, err := parseFloat(lines[1], "bmi")
	if err != nil {
		return models.Entry{}, err
	}
	percentFat, err := parseFloat(lines[2], "percent_fat")
	if err != nil {
		return models.Entry{}, err
	}
	percentMuscle, err := parseFloat(lines[3], "percent_muscle")
	if err != nil {
		return models.Entry{}, err
	}
	visceral, err := parseInt(lines[4], "visceral_fat_rating")
	if err != nil {
		return models.Entry{}, err
	}

	weight = round2(weight)
	if weight <= models.MinWeightKg {
		return models.Entry{}, &ValidationError{
			Profile: models.ProfileOmron,
			Reason:  "Weight must be > 1 kg and positive.",
		}
	}

	entry := models.Entry{
		Weight:            weight,
		BMI:               bmi,
		PercentFat:        percentFat,
		PercentMuscle:     percentMuscle,
		MuscleMass:        round2(weight * (percentMuscle / 100.0)),
		VisceralFatRating: visceral,
	}
	return entry, nil
}

// parseMiScale validates the 7-value Mi Scale format. Muscle mass is reported
// directly in kilograms; the percentage is derived for display purposes.
func parseMiScale(lines []string) (models.Entry, error) {
	if len(lines) < MiScaleValueCount {
		return models.Entry{}, &ValidationError{
			Profile: models.ProfileMiScale,
			Reason:  miScaleUsage,
		}
	}

	weight, err := parseFloat(lines[0], "peso")
	if err != nil {
		return models.Entry{}, err
	}
	bmi, err := parseFloat(lines[1], "imc")
	if err != nil {
		return models.Entry{}, err
	}
	percentFat, err := parseFloat(lines[2], "grasa")
	if err != nil {
		return models.Entry{}, err
	}
	percentHydration, err := parseFloat(lines[3], "agua")
	if err != nil {
		return models.Entry{}, err
	}
	visceral, err := parseInt(lines[4], "grasa visceral")
	if err != nil {
		return models.Entry{}, err
	}
	boneMass, err := parseFloat(lines[5], "masa osea")
	if err != nil {
		return models.Entry{}, err
	}
	muscleMass, err := parseFloat(lines[6], "musculo")
	if err != nil {
		return models.Entry{}, err
	}

	weight = round2(weight)
	if weight <= models.MinWeightKg {
		return models.Entry{}, &ValidationError{
			Profile: models.ProfileMiScale,
			Reason:  "El peso debe ser > 1 kg y positivo.",
		}
	}

	boneMass = round2(boneMass)
	muscleMass = round2(muscleMass)

	var percentMuscle float64
	if weight > 0 {
		percentMuscle = (muscleMass / weight) * 100
	}

	entry := models.Entry{
		Weight:            weight,
		BMI:               bmi,
		PercentFat:        percentFat,
		PercentMuscle:     percentMuscle,
		MuscleMass:        muscleMass,
		VisceralFatRating: visceral,
		PercentHydration:  &percentHydration,
		BoneMass:          &boneMass,
	}
	return entry, nil
}

func parseFloat(s, field string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", field, s)
	}
	return v, nil
}

func parseInt(s, field string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", field, s)
	}
	return v, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
