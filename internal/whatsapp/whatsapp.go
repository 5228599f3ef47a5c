// Package whatsapp wraps the Whatsmeow client so ReelPipe can talk to users over a linked WhatsApp account.
//
// It handles device login (QR or numeric pairing code), text replies and video delivery.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	"resty.dev/v3"
)

const (
	// DefaultSQLitePath is the default whatsmeow device database.
	DefaultSQLitePath = "/var/lib/reelpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = "s.whatsapp.net"
	// VideoMimeType is the MIME type attached to delivered videos.
	VideoMimeType = "video/mp4"
	// DefaultDownloadTimeout bounds fetching a hosted video before re-uploading it to WhatsApp.
	DefaultDownloadTimeout = 2 * time.Minute
)

// WhatsAppSender sends text and video messages (real client or mock).
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendVideo(ctx context.Context, to, caption, mediaURL string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device database
	QRPath      string // file to write the login QR code to instead of stdout
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the pairing code as text.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
	http     *resty.Client
}

// NewClient opens the device store, logs in if needed and connects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp.NewClient: options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	driver := store.DetectDSNType(dsn)
	if driver == "sqlite3" && !foreignKeysEnabled(dsn) {
		slog.Warn("WhatsApp.NewClient: SQLite device database without foreign keys; whatsmeow recommends enabling them",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("WhatsApp.NewClient: device store init failed", "error", err, "driver", driver)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("WhatsApp.NewClient: device lookup failed", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		slog.Error("WhatsApp.NewClient: connect failed", "error", err)
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected")
	return &Client{
		waClient: waClient,
		http:     resty.New().SetTimeout(DefaultDownloadTimeout),
	}, nil
}

// login runs the pairing flow, printing each code the server rotates through.
func login(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting pairing flow")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		slog.Error("WhatsApp.login: connect failed", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp.login: pairing event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

func foreignKeysEnabled(dsn string) bool {
	return strings.Contains(dsn, "foreign_keys")
}

// recipientJID converts "+15551234567" into a user JID.
func recipientJID(to string) (types.JID, error) {
	user := strings.TrimPrefix(strings.TrimSpace(to), "+")
	if user == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	return types.NewJID(user, JIDSuffix), nil
}

func (c *Client) ready() error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	return nil
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid, err := recipientJID(to)
	if err != nil {
		return err
	}
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)}); err != nil {
		slog.Error("WhatsApp.SendMessage: send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// SendVideo fetches the hosted video, uploads it to WhatsApp media servers and sends it with a caption.
func (c *Client) SendVideo(ctx context.Context, to, caption, mediaURL string) error {
	if err := c.ready(); err != nil {
		return err
	}
	jid, err := recipientJID(to)
	if err != nil {
		return err
	}
	data, err := fetchMedia(ctx, c.http, mediaURL)
	if err != nil {
		return err
	}
	uploaded, err := c.waClient.Upload(ctx, data, whatsmeow.MediaVideo)
	if err != nil {
		slog.Error("WhatsApp.SendVideo: upload failed", "error", err, "to", to, "bytes", len(data))
		return fmt.Errorf("failed to upload video: %w", err)
	}
	msg := &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
		Caption:       proto.String(caption),
		Mimetype:      proto.String(VideoMimeType),
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uploaded.FileLength),
	}}
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("WhatsApp.SendVideo: send failed", "error", err, "to", to)
		return fmt.Errorf("failed to send video to %s: %w", to, err)
	}
	slog.Debug("WhatsApp.SendVideo: sent", "to", to, "bytes", len(data))
	return nil
}

func fetchMedia(ctx context.Context, cli *resty.Client, mediaURL string) ([]byte, error) {
	res, err := cli.R().SetContext(ctx).Get(mediaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to download media: status %d", res.StatusCode())
	}
	data := res.Bytes()
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded media is empty")
	}
	return data, nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// SentVideo records one MockClient.SendVideo call.
type SentVideo struct {
	To       string
	Caption  string
	MediaURL string
}

// MockClient records sends instead of talking to WhatsApp.
type MockClient struct {
	Messages []string
	Videos   []SentVideo
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.Messages = append(m.Messages, body)
	return nil
}

func (m *MockClient) SendVideo(ctx context.Context, to, caption, mediaURL string) error {
	m.Videos = append(m.Videos, SentVideo{To: to, Caption: caption, MediaURL: mediaURL})
	return nil
}
