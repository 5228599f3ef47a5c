// Package api wires ReelPipe together and serves its HTTP surface: the messaging
// webhook, the WebSocket generation endpoint, health and history.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/cache"
	"github.com/BTreeMap/ReelPipe/internal/dispatch"
	"github.com/BTreeMap/ReelPipe/internal/flow"
	"github.com/BTreeMap/ReelPipe/internal/genai"
	"github.com/BTreeMap/ReelPipe/internal/messaging"
	"github.com/BTreeMap/ReelPipe/internal/recovery"
	"github.com/BTreeMap/ReelPipe/internal/store"
	"github.com/BTreeMap/ReelPipe/internal/style"
	"github.com/BTreeMap/ReelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReelPipe/internal/video"
	"github.com/BTreeMap/ReelPipe/internal/whatsapp"
	"github.com/gorilla/websocket"
)

const (
	// DefaultServerAddress is used when no address is configured.
	DefaultServerAddress = ":8080"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultReadHeaderTimeout bounds reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second

	// BackendTwilio receives messages on the Twilio webhook.
	BackendTwilio = "twilio"
	// BackendWhatsApp uses a linked WhatsApp device.
	BackendWhatsApp = "whatsapp"
)

// DefaultAllowedOrigins are the web client origins accepted on the WebSocket endpoint.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}

// Opts holds configuration for the API server.
type Opts struct {
	Addr           string
	Backend        string
	UploadURL      string
	Workers        int
	QueueSize      int
	JobTimeout     time.Duration
	AllowedOrigins []string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMessagingBackend selects BackendTwilio or BackendWhatsApp.
func WithMessagingBackend(backend string) Option {
	return func(o *Opts) { o.Backend = strings.ToLower(strings.TrimSpace(backend)) }
}

// WithUploadURL sets the temporary media host.
func WithUploadURL(url string) Option {
	return func(o *Opts) { o.UploadURL = url }
}

// WithWorkers sets the number of concurrent generations.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// WithQueueSize sets how many generation jobs may wait.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// WithJobTimeout bounds one generation job.
func WithJobTimeout(d time.Duration) Option {
	return func(o *Opts) { o.JobTimeout = d }
}

// WithAllowedOrigins replaces DefaultAllowedOrigins for the WebSocket endpoint.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{
		Addr:           DefaultServerAddress,
		Backend:        BackendTwilio,
		UploadURL:      video.DefaultUploadURL,
		Workers:        dispatch.DefaultWorkers,
		QueueSize:      dispatch.DefaultQueueSize,
		JobTimeout:     dispatch.DefaultJobTimeout,
		AllowedOrigins: DefaultAllowedOrigins,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Server owns the long-running components and serves HTTP.
type Server struct {
	msgService   messaging.Service
	twilio       *messaging.TwilioService
	st           store.Store
	generator    dispatch.Generator
	dispatcher   *dispatch.Dispatcher
	conversation *flow.Conversation
	respHandler  *messaging.ResponseHandler
	media        *cache.MediaCache
	upgrader     websocket.Upgrader
	origins      map[string]bool
	jobTimeout   time.Duration
	backend      string
	started      time.Time
}

// NewServer wires the conversation pipeline. classifier may be nil, in which case
// every fresh prompt asks the user to pick a style.
func NewServer(msgService messaging.Service, st store.Store, gen dispatch.Generator, up dispatch.Uploader, classifier style.Classifier, opts ...Option) *Server {
	cfg := buildOpts(opts)
	d := dispatch.New(gen, up, msgService, st, st,
		dispatch.WithWorkers(cfg.Workers),
		dispatch.WithQueueSize(cfg.QueueSize),
		dispatch.WithJobTimeout(cfg.JobTimeout),
	)
	machine := flow.NewMachine(st, style.NewResolver(classifier))
	conversation := flow.NewConversation(machine, msgService, d)

	s := &Server{
		msgService:   msgService,
		st:           st,
		generator:    gen,
		dispatcher:   d,
		conversation: conversation,
		respHandler:  messaging.NewResponseHandler(msgService, conversation.Handle, messaging.WithProcessedMarker(st)),
		media:        cache.NewMediaCache(cache.WithGenerateTimeout(cfg.JobTimeout)),
		origins:      make(map[string]bool),
		jobTimeout:   cfg.JobTimeout,
		backend:      cfg.Backend,
	}
	if tw, ok := msgService.(*messaging.TwilioService); ok {
		s.twilio = tw
	}
	for _, origin := range cfg.AllowedOrigins {
		s.origins[strings.TrimRight(origin, "/")] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.rootHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /api/v1/history", s.historyHandler)
	mux.HandleFunc("GET /api/v1/ws", s.wsHandler)
	if s.twilio != nil {
		mux.HandleFunc("POST /api/v1/bot/webhook/twilio", s.twilio.TwilioWebhookHandler)
	}
	return mux
}

// Start releases stale state, then starts the dispatcher, the messaging
// service and the response handler. They stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.started = time.Now()

	rm := recovery.NewRecoveryManager(s.st, s.msgService)
	rm.RegisterRecoverable(recovery.NewProcessingRecovery())
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Server.Start: recovery incomplete", "error", err)
	}

	go func() {
		if err := s.dispatcher.Run(ctx); err != nil {
			slog.Error("Server.Start: dispatcher stopped", "error", err)
		}
	}()
	if err := s.msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	s.respHandler.Start(ctx)
	slog.Info("Server.Start: pipeline running", "backend", s.backend)
	return nil
}

// Stop closes the messaging service and waits for in-flight inbound messages.
func (s *Server) Stop() {
	if err := s.msgService.Stop(); err != nil {
		slog.Error("Server.Stop: messaging service stop failed", "error", err)
	}
	s.respHandler.Wait()
}

// Run builds every module from its options and serves until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, videoOpts []video.Option, apiOpts []Option) error {
	cfg := buildOpts(apiOpts)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	msgService, err := newMessagingService(cfg.Backend, waOpts, twilioOpts, st)
	if err != nil {
		return err
	}

	var classifier style.Classifier
	if gaClient, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("Run: style classifier disabled, users will always pick a style", "error", err)
	} else {
		classifier = genai.NewStyleClassifier(gaClient)
	}

	server := NewServer(msgService, st, video.NewProvider(videoOpts...), video.NewUploader(cfg.UploadURL), classifier, apiOpts...)
	if err := server.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("ReelPipe API listening", "addr", cfg.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		server.Stop()
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: HTTP shutdown failed", "error", err)
	}
	server.Stop()
	return nil
}

func newMessagingService(backend string, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, st store.Store) (messaging.Service, error) {
	switch backend {
	case BackendTwilio, "":
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client, st), nil
	case BackendWhatsApp:
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client, st), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q (want %s or %s)", backend, BackendTwilio, BackendWhatsApp)
	}
}
