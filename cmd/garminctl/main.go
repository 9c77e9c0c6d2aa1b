// Command garminctl submits body-composition data to Garmin Connect from the
// command line, sharing the token store with the relay service.
//
// Exit codes: 0 success, 1 submission, login, or usage error, 2 stored-token
// failure, 3 MFA code required (the challenge ticket is printed to stdout),
// 4 MFA attempt limit reached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/fitrelay/fitrelay/internal/garmin"
	"github.com/fitrelay/fitrelay/internal/models"
	"github.com/fitrelay/fitrelay/internal/store"
	"github.com/fitrelay/fitrelay/internal/util"
)

// Exit codes of the CLI.
const (
	ExitSuccess         = 0
	ExitSubmissionError = 1
	ExitTokenFailure    = 2
	ExitMFARequired     = 3
	ExitMFALimit        = 4
)

// DefaultStateDir mirrors the relay service's state directory.
const DefaultStateDir = "/var/lib/fitrelay"

// DefaultDBFileName is the default SQLite database filename.
const DefaultDBFileName = "fitrelay.db"

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	var (
		userID    = flag.String("user-id", "", "participant identifier owning the stored session (required)")
		email     = flag.String("email", "", "Garmin account email for a fresh login")
		password  = flag.String("password", "", "Garmin account password for a fresh login")
		mfaCode   = flag.String("mfa-code", "", "MFA code completing an open challenge")
		mfaTicket = flag.String("mfa-ticket", "", "challenge ticket printed by a previous run")
		logout    = flag.Bool("logout", false, "remove the stored session and exit")

		weight       = flag.Float64("weight", 0, "weight in kg")
		bmi          = flag.Float64("bmi", 0, "body mass index")
		percentFat   = flag.Float64("percent-fat", 0, "body fat percentage")
		muscleMass   = flag.Float64("muscle-mass", 0, "muscle mass in kg")
		visceralFat  = flag.Int("visceral-fat-rating", 0, "visceral fat rating")
		hydration    = flag.Float64("percent-hydration", 0, "body hydration percentage")
		boneMass     = flag.Float64("bone-mass", 0, "bone mass in kg")
		metabolicAge = flag.Int("metabolic-age", 0, "metabolic age in years")
		basalMet     = flag.Int("basal-met", 0, "basal metabolic rate in kcal")

		stateDir = flag.String("state-dir", util.EnvOrDefault("FITRELAY_STATE_DIR", DefaultStateDir), "state directory shared with the relay service")
		dbDSN    = flag.String("db-dsn", os.Getenv("DATABASE_URL"), "database DSN of the relay store")
	)
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "garminctl: -user-id is required")
		flag.Usage()
		return ExitSubmissionError
	}

	dsn := *dbDSN
	if dsn == "" {
		dsn = filepath.Join(*stateDir, DefaultDBFileName)
	}

	st, err := store.NewStore(store.WithDSN(dsn))
	if err != nil {
		slog.Error("Failed to open store", "error", err, "dsn_set", dsn != "")
		return ExitSubmissionError
	}
	defer st.Close()

	client, err := garmin.NewClient(garmin.WithTokenStore(garmin.NewStoreTokenStore(st)))
	if err != nil {
		slog.Error("Failed to initialize Garmin client", "error", err)
		return ExitSubmissionError
	}

	ctx := context.Background()

	if *logout {
		if err := client.Logout(ctx, *userID); err != nil {
			slog.Error("Logout failed", "error", err)
			return ExitSubmissionError
		}
		fmt.Println("Session removed.")
		return ExitSuccess
	}

	if *mfaCode != "" {
		if *mfaTicket == "" {
			fmt.Fprintln(os.Stderr, "garminctl: -mfa-code requires -mfa-ticket")
			return ExitSubmissionError
		}
		if code := authExitCode(client.ResumeLogin(ctx, *userID, *mfaTicket, *mfaCode)); code != ExitSuccess {
			return code
		}
		fmt.Println("Login complete.")
	} else if *email != "" || *password != "" {
		if *email == "" || *password == "" {
			fmt.Fprintln(os.Stderr, "garminctl: -email and -password must be given together")
			return ExitSubmissionError
		}
		if code := authExitCode(client.LoginWithCredentials(ctx, *userID, *email, *password)); code != ExitSuccess {
			return code
		}
		fmt.Println("Login complete.")
	}

	if *weight == 0 {
		// Login-only invocation.
		return ExitSuccess
	}

	entry := models.Entry{
		Weight:            *weight,
		BMI:               *bmi,
		PercentFat:        *percentFat,
		MuscleMass:        *muscleMass,
		VisceralFatRating: *visceralFat,
	}
	if *hydration > 0 {
		entry.PercentHydration = hydration
	}
	if *boneMass > 0 {
		entry.BoneMass = boneMass
	}
	if *metabolicAge > 0 {
		entry.MetabolicAge = metabolicAge
	}
	if *basalMet > 0 {
		entry.BasalMet = basalMet
	}

	if err := entry.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "garminctl:", err)
		return ExitSubmissionError
	}

	record, err := client.SubmitBodyComposition(ctx, *userID, entry)
	if err != nil {
		switch {
		case errors.Is(err, garmin.ErrTokenInvalid):
			fmt.Fprintln(os.Stderr, "garminctl: no valid session, log in with -email and -password")
			return ExitTokenFailure
		default:
			slog.Error("Submission failed", "error", err)
			return ExitSubmissionError
		}
	}

	if err := st.AddSubmission(record); err != nil {
		slog.Warn("Failed to record submission", "error", err)
	}

	fmt.Printf("Submitted %.1f kg for %s (record %s)\n", record.WeightKg, record.ParticipantID, record.ID)
	return ExitSuccess
}

// authExitCode maps a login error to the CLI's exit code, printing the
// challenge ticket when Garmin demands an MFA code.
func authExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var mfaErr *garmin.MFARequiredError
	switch {
	case errors.As(err, &mfaErr):
		fmt.Println("MFA code required. Re-run with -mfa-code <code> -mfa-ticket", mfaErr.Ticket)
		return ExitMFARequired
	case errors.Is(err, garmin.ErrTooManyMFA):
		fmt.Fprintln(os.Stderr, "garminctl: too many MFA attempts, wait before retrying")
		return ExitMFALimit
	case errors.Is(err, garmin.ErrAuthFailed):
		fmt.Fprintln(os.Stderr, "garminctl: login failed, check email and password")
		return ExitSubmissionError
	default:
		slog.Error("Login failed", "error", err)
		return ExitSubmissionError
	}
}
