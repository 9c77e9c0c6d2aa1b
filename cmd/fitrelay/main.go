package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/fitrelay/fitrelay/internal/api"
	"github.com/fitrelay/fitrelay/internal/garmin"
	"github.com/fitrelay/fitrelay/internal/genai"
	"github.com/fitrelay/fitrelay/internal/models"
	"github.com/fitrelay/fitrelay/internal/store"
	"github.com/fitrelay/fitrelay/internal/util"
	"github.com/fitrelay/fitrelay/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FitRelay state data
	DefaultStateDir = "/var/lib/fitrelay"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "fitrelay.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Build module options
	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(config, flags)

	// Start the service
	slog.Info("Bootstrapping FitRelay with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "backend", *flags.backend)
	if err := api.Run(waOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("FitRelay failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FitRelay exited successfully")
}

// Config holds environment configuration
type Config struct {
	WhatsAppDSN    string
	DatabaseURL    string
	StateDir       string
	OpenAIKey      string
	APIAddr        string
	Backend        string
	RefreshCron    string
	GarminSSOBase  string
	GarminAPIBase  string
	AllowedNumbers []string
	Profiles       map[string]models.ScaleProfile
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	apiAddr     *string
	backend     *string
	refreshCron *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StateDir:       os.Getenv("FITRELAY_STATE_DIR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		APIAddr:        os.Getenv("API_ADDR"),
		Backend:        os.Getenv("FITRELAY_MESSAGING_BACKEND"),
		RefreshCron:    os.Getenv("TOKEN_REFRESH_SCHEDULE"),
		GarminSSOBase:  os.Getenv("GARMIN_SSO_BASE"),
		GarminAPIBase:  os.Getenv("GARMIN_API_BASE"),
		AllowedNumbers: util.ParseListEnv("FITRELAY_ALLOWED_NUMBERS"),
		Profiles:       parseProfiles(util.ParseMapEnv("FITRELAY_USER_PROFILES")),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FITRELAY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("FITRELAY_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Default to the shared database URL if no WhatsApp-specific DSN is set
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
		if config.DatabaseURL != "" {
			slog.Debug("Using DATABASE_URL as WHATSAPP_DB_DSN", "dsn_set", true)
		}
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	slog.Debug("environment variables loaded",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FITRELAY_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"FITRELAY_MESSAGING_BACKEND", config.Backend,
		"TOKEN_REFRESH_SCHEDULE", config.RefreshCron,
		"allowed_numbers", len(config.AllowedNumbers),
		"user_profiles", len(config.Profiles))

	return config
}

// parseProfiles converts a raw number->profile map into scale profiles,
// dropping unknown profile names.
func parseProfiles(raw map[string]string) map[string]models.ScaleProfile {
	if len(raw) == 0 {
		return nil
	}
	profiles := make(map[string]models.ScaleProfile, len(raw))
	for number, name := range raw {
		p := models.ScaleProfile(strings.ToUpper(strings.TrimSpace(name)))
		if !models.IsValidScaleProfile(p) {
			slog.Warn("Ignoring unknown scale profile", "number", number, "profile", name)
			continue
		}
		profiles[number] = p
	}
	return profiles
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for FitRelay data (overrides $FITRELAY_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.WhatsAppDSN, "database DSN for WhatsApp and the relay store (overrides $WHATSAPP_DB_DSN or $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:     flag.String("messaging-backend", config.Backend, "chat transport: whatsmeow or twilio (overrides $FITRELAY_MESSAGING_BACKEND)"),
		refreshCron: flag.String("token-refresh-cron", config.RefreshCron, "cron schedule for Garmin token refresh (overrides $TOKEN_REFRESH_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend,
		"refreshCron", *flags.refreshCron)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.WhatsAppDSN && config.WhatsAppDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.dbDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		slog.Debug("Configuring relay store", "dsn_type", store.DetectDSNType(*flags.dbDSN), "dsn_set", true)
		storeOpts = append(storeOpts, store.WithDSN(*flags.dbDSN))
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.stateDir != "" {
		apiOpts = append(apiOpts, api.WithStateDir(*flags.stateDir))
	}
	if *flags.backend != "" {
		apiOpts = append(apiOpts, api.WithMessagingBackend(*flags.backend))
	}
	if *flags.refreshCron != "" {
		apiOpts = append(apiOpts, api.WithTokenRefreshSchedule(*flags.refreshCron))
	}
	if len(config.AllowedNumbers) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedNumbers(config.AllowedNumbers))
	}
	if len(config.Profiles) > 0 {
		apiOpts = append(apiOpts, api.WithProfiles(config.Profiles))
	}
	var garminOpts []garmin.Option
	if config.GarminSSOBase != "" {
		garminOpts = append(garminOpts, garmin.WithSSOBase(config.GarminSSOBase))
	}
	if config.GarminAPIBase != "" {
		garminOpts = append(garminOpts, garmin.WithAPIBase(config.GarminAPIBase))
	}
	if len(garminOpts) > 0 {
		apiOpts = append(apiOpts, api.WithGarminOptions(garminOpts...))
	}
	return apiOpts
}
