// Package feedback generates short motivational messages from a
// participant's recent body-composition history.
//
// Feedback is strictly best-effort: every failure (history fetch, trend
// computation, language-model call) is logged and swallowed, so a submission
// acknowledgement is never delayed or blocked by this package.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fitrelay/fitrelay/internal/garmin"
	"github.com/fitrelay/fitrelay/internal/models"
)

// TrendWindowDays is the history window used for trend summaries.
const TrendWindowDays = 90

const systemPrompt = "You are a friendly, motivating fitness coach. " +
	"Write a single short encouraging message for someone tracking their body composition. " +
	"Mention at most one concrete trend from the data. No hashtags, no emoji spam, " +
	"at most 150 characters."

// historyFetcher retrieves recent body-composition observations.
type historyFetcher interface {
	FetchBodyComposition(ctx context.Context, participantID string, start, end time.Time) ([]garmin.Observation, error)
}

// messageGenerator produces a completion from a system and user prompt.
type messageGenerator interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Generator builds motivational notes from trend data.
type Generator struct {
	history historyFetcher
	genai   messageGenerator
}

// NewGenerator creates a feedback generator. Both dependencies are required;
// use Enabled to check whether feedback can be produced.
func NewGenerator(history historyFetcher, genai messageGenerator) *Generator {
	return &Generator{history: history, genai: genai}
}

// Enabled reports whether the generator has everything it needs.
func (g *Generator) Enabled() bool {
	return g != nil && g.history != nil && g.genai != nil
}

// ForParticipant generates a motivational message from the participant's
// recent trend. The second return value is false when no message could be
// produced; this is never an error from the caller's perspective.
func (g *Generator) ForParticipant(ctx context.Context, participantID string) (string, bool) {
	if !g.Enabled() {
		return "", false
	}

	end := time.Now()
	start := end.AddDate(0, 0, -TrendWindowDays)
	observations, err := g.history.FetchBodyComposition(ctx, participantID, start, end)
	if err != nil {
		slog.Warn("Feedback history fetch failed", "error", err, "participantID", participantID)
		return "", false
	}

	summary := summarizeTrend(observations)
	if summary == "" {
		slog.Debug("Feedback skipped, not enough history", "participantID", participantID, "observations", len(observations))
		return "", false
	}

	message, err := g.genai.GeneratePrompt(ctx, systemPrompt, summary)
	if err != nil {
		slog.Warn("Feedback generation failed", "error", err, "participantID", participantID)
		return "", false
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", false
	}
	return Truncate(message, models.MaxFeedbackLength), true
}

// summarizeTrend renders the observations into a compact prompt. Observations
// are expected newest first. With a single reading the summary carries the
// latest values and notes that nothing can be compared yet; only an empty
// history yields "".
func summarizeTrend(observations []garmin.Observation) string {
	if len(observations) == 0 {
		return ""
	}

	latest := observations[0]

	var b strings.Builder
	fmt.Fprintf(&b, "Latest reading (%s): weight %.1f kg", latest.Date, latest.WeightKg)
	if latest.BodyFatPercent != nil && *latest.BodyFatPercent > 0 {
		fmt.Fprintf(&b, ", body fat %.1f%%", *latest.BodyFatPercent)
	}
	if latest.MuscleMassKg != nil {
		fmt.Fprintf(&b, ", muscle mass %.1f kg", *latest.MuscleMassKg)
	}
	b.WriteString(".\n")

	if len(observations) < 2 {
		b.WriteString("No earlier reading to compare against.\n")
	} else {
		previous := observations[1]
		fmt.Fprintf(&b, "Change since %s: weight %+.1f kg", previous.Date, latest.WeightKg-previous.WeightKg)
		if fatNow, fatBefore, ok := meaningfulBodyFat(observations); ok {
			fmt.Fprintf(&b, ", body fat %+.1f%%", fatNow-fatBefore)
		}
		if latest.MuscleMassKg != nil && previous.MuscleMassKg != nil {
			fmt.Fprintf(&b, ", muscle mass %+.1f kg", *latest.MuscleMassKg-*previous.MuscleMassKg)
		}
		b.WriteString(".\n")
	}

	fmt.Fprintf(&b, "Readings in the last %d days: %d.", TrendWindowDays, len(observations))
	return b.String()
}

// meaningfulBodyFat finds the two most recent observations with a body-fat
// reading above zero. Scales occasionally report 0 when the impedance
// measurement fails, so zeros are skipped.
func meaningfulBodyFat(observations []garmin.Observation) (latest, previous float64, ok bool) {
	values := make([]float64, 0, 2)
	for _, obs := range observations {
		if obs.BodyFatPercent == nil || *obs.BodyFatPercent <= 0 {
			continue
		}
		values = append(values, *obs.BodyFatPercent)
		if len(values) == 2 {
			return values[0], values[1], true
		}
	}
	return 0, 0, false
}

// Truncate caps a message at max characters, cutting at the last word
// boundary and appending an ellipsis when something was removed.
func Truncate(message string, max int) string {
	runes := []rune(message)
	if len(runes) <= max {
		return message
	}
	cut := string(runes[:max-1])
	if runes[max-1] != ' ' {
		if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
			cut = cut[:idx]
		}
	}
	return strings.TrimRight(cut, " .,;:") + "…"
}
