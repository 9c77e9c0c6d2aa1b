// Package whatsapp wraps the Whatsmeow client used as FitRelay's chat
// transport.
//
// It handles device login (QR or numeric pairing code) and message sending.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/fitrelay/fitrelay/internal/store"
)

const (
	// DefaultSQLitePath is the default whatsmeow session database location.
	DefaultSQLitePath = "/var/lib/fitrelay/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular user accounts.
	JIDSuffix = "s.whatsapp.net"
)

// WhatsAppSender sends WhatsApp messages. Satisfied by Client in production
// and MockClient in tests.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write the login QR code, stdout when empty
	NumericCode bool   // print a numeric pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to the given path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints a numeric pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates a WhatsApp client, logging the device in when no session
// exists yet.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("WhatsApp client using default SQLite session path", "path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		// whatsmeow strongly recommends foreign keys on SQLite sessions.
		if !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("WhatsApp SQLite session DSN has no foreign_keys flag, consider adding '?_foreign_keys=on'",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp session store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		if err := loginDevice(waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp session found, connecting")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}

	slog.Info("WhatsApp client connected")
	return &Client{waClient: waClient}, nil
}

// loginDevice runs the interactive pairing flow for a fresh device.
func loginDevice(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required, starting pairing flow")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR output file: %w", err)
		}
		defer f.Close()
		writer = f
	}

	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		} else {
			slog.Debug("WhatsApp login event", "event", evt.Event)
		}
	}
	return nil
}

// SendMessage sends a WhatsApp text message to the given E.164 recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("WhatsApp send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to, "body_length", len(body))
	return nil
}

// GetClient exposes the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// MockClient is a no-op WhatsAppSender for tests.
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return nil
}
