// Package dispatch runs video generation jobs off the request path.
//
// Each job ends with exactly one state clear for its user, whether it delivered a video or an apology.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/video"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// Defaults for the worker pool.
const (
	DefaultWorkers    = 2
	DefaultQueueSize  = 64
	DefaultJobTimeout = 15 * time.Minute
	// terminalTimeout bounds the apology and clear-state calls, which run even after shutdown began.
	terminalTimeout = 10 * time.Second
)

var (
	// ErrQueueFull is returned by Dispatch when no queue slot is free.
	ErrQueueFull = errors.New("generation queue full")
	// ErrStopped is returned by Dispatch once Run has returned.
	ErrStopped = errors.New("dispatcher stopped")
)

const (
	textWorking   = "🤖 The AI is working its magic... This can take a minute."
	textPreparing = "⬆️ Preparing your video file..."
	textDelivered = "✅ Here's your '%s' video!\n\n*Prompt:* _%s_"
	textBusy      = "Sorry, the AI model is currently busy or unavailable. Please try again in a few minutes."
	textFailure   = "😔 Apologies, something went wrong on my end. Please try again later."
)

// Job is one generation request.
type Job struct {
	ID             string
	UserID         string
	Prompt         string
	EnhancedPrompt string
	Style          string
	QueuedAt       time.Time
}

// Result describes how a job concluded.
type Result struct {
	Job      Job
	MediaURL string
	Err      error
}

// Generator renders a prompt into video bytes.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// Uploader hosts media and returns a public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename string) (string, error)
}

// Notifier delivers messages to the user.
type Notifier interface {
	SendMessage(ctx context.Context, to, body string) error
	SendMedia(ctx context.Context, to, caption, mediaURL string) error
}

// HistoryWriter records delivered videos.
type HistoryWriter interface {
	AppendHistory(ctx context.Context, rec models.HistoryRecord) error
}

// StateClearer releases the user's conversation state.
type StateClearer interface {
	ClearState(ctx context.Context, userID string) error
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Queued    int   `json:"queued"`
	InFlight  int64 `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Dispatcher is a bounded queue served by a fixed pool of workers.
type Dispatcher struct {
	queue      chan Job
	workers    int
	jobTimeout time.Duration

	generator Generator
	uploader  Uploader
	notifier  Notifier
	history   HistoryWriter
	states    StateClearer
	onDone    func(Result)

	// mu guards stopped against concurrent sends to queue.
	mu      sync.RWMutex
	stopped bool

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Opts holds dispatcher tuning.
type Opts struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	OnDone     func(Result)
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithWorkers sets the number of concurrent generations.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// WithQueueSize sets how many jobs may wait for a worker.
func WithQueueSize(n int) Option {
	return func(o *Opts) { o.QueueSize = n }
}

// WithJobTimeout bounds one job from generation to delivery.
func WithJobTimeout(d time.Duration) Option {
	return func(o *Opts) { o.JobTimeout = d }
}

// WithCompletionHook is called once per job after its state was cleared.
func WithCompletionHook(fn func(Result)) Option {
	return func(o *Opts) { o.OnDone = fn }
}

// New creates a Dispatcher. Call Run to start the workers.
func New(gen Generator, up Uploader, notifier Notifier, history HistoryWriter, states StateClearer, opts ...Option) *Dispatcher {
	cfg := Opts{Workers: DefaultWorkers, QueueSize: DefaultQueueSize, JobTimeout: DefaultJobTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &Dispatcher{
		queue:      make(chan Job, cfg.QueueSize),
		workers:    cfg.Workers,
		jobTimeout: cfg.JobTimeout,
		generator:  gen,
		uploader:   up,
		notifier:   notifier,
		history:    history,
		states:     states,
		onDone:     cfg.OnDone,
	}
}

// Dispatch enqueues job without blocking. When the queue is full, or Run has already returned,
// the job fails immediately: the user gets an apology and their state is cleared.
func (d *Dispatcher) Dispatch(job Job) error {
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		slog.Warn("Dispatcher.Dispatch: stopped, rejecting job", "jobID", job.ID, "userID", job.UserID)
		d.reject(job, ErrStopped)
		return ErrStopped
	}
	select {
	case d.queue <- job:
		slog.Debug("Dispatcher.Dispatch: job queued", "jobID", job.ID, "userID", job.UserID, "queued", len(d.queue))
		return nil
	default:
		slog.Warn("Dispatcher.Dispatch: queue full, rejecting job", "jobID", job.ID, "userID", job.UserID)
		d.reject(job, ErrQueueFull)
		return ErrQueueFull
	}
}

// reject concludes a job that never reached a worker.
func (d *Dispatcher) reject(job Job, err error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
		defer cancel()
		d.conclude(ctx, job, "", err)
	}()
}

// Run serves the queue until ctx is cancelled and every worker has returned.
// Jobs still queued at that point are concluded with ErrStopped, and later Dispatch calls are rejected.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher.Run: starting workers", "workers", d.workers, "queueSize", cap(d.queue))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					slog.Debug("Dispatcher worker stopping", "worker", worker)
					return nil
				case job := <-d.queue:
					d.process(gctx, job)
				}
			}
		})
	}
	err := g.Wait()
	d.stop()
	return err
}

func (d *Dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	for {
		select {
		case job := <-d.queue:
			slog.Warn("Dispatcher.Run: abandoning queued job", "jobID", job.ID, "userID", job.UserID)
			ctx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
			d.conclude(ctx, job, "", ErrStopped)
			cancel()
		default:
			return
		}
	}
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    len(d.queue),
		InFlight:  d.inFlight.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) process(ctx context.Context, job Job) {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	var mediaURL string
	var err error
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.process: recovered from panic", "panic", r, "jobID", job.ID)
			err = fmt.Errorf("job panicked: %v", r)
		}
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
		defer cancel()
		d.conclude(tctx, job, mediaURL, err)
	}()

	jobCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	defer cancel()
	mediaURL, err = d.run(jobCtx, job)
}

// run performs the job; conclude handles every outcome.
func (d *Dispatcher) run(ctx context.Context, job Job) (string, error) {
	start := time.Now()
	slog.Info("Dispatcher.run: generating", "jobID", job.ID, "userID", job.UserID, "style", job.Style,
		"waited", start.Sub(job.QueuedAt))
	d.notify(ctx, job.UserID, textWorking)

	data, err := d.generator.Generate(ctx, job.EnhancedPrompt)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	d.notify(ctx, job.UserID, textPreparing)

	mediaURL, err := d.uploader.Upload(ctx, data, "video.mp4")
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	caption := fmt.Sprintf(textDelivered, job.Style, job.Prompt)
	if err := d.notifier.SendMedia(ctx, job.UserID, caption, mediaURL); err != nil {
		return "", fmt.Errorf("delivery failed: %w", err)
	}

	rec := models.HistoryRecord{
		ID:        job.ID,
		UserID:    job.UserID,
		Prompt:    job.Prompt,
		Style:     job.Style,
		MediaURL:  mediaURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.history.AppendHistory(ctx, rec); err != nil {
		// The user already has the video; only the cache misses out.
		slog.Error("Dispatcher.run: history append dropped", "error", err, "jobID", job.ID, "userID", job.UserID)
	}
	slog.Info("Dispatcher.run: delivered", "jobID", job.ID, "userID", job.UserID, "elapsed", time.Since(start))
	return mediaURL, nil
}

// conclude sends the apology for a failed job and performs the job's single state clear.
func (d *Dispatcher) conclude(ctx context.Context, job Job, mediaURL string, err error) {
	if err != nil {
		d.failed.Add(1)
		slog.Error("Dispatcher: job failed", "error", err, "jobID", job.ID, "userID", job.UserID)
		if errors.Is(err, video.ErrProviderBusy) || errors.Is(err, ErrQueueFull) || errors.Is(err, ErrStopped) {
			d.notify(ctx, job.UserID, textBusy)
		} else {
			d.notify(ctx, job.UserID, textFailure)
		}
	} else {
		d.completed.Add(1)
	}
	if cerr := d.states.ClearState(ctx, job.UserID); cerr != nil {
		slog.Error("Dispatcher: clear state dropped", "error", cerr, "jobID", job.ID, "userID", job.UserID)
	}
	if d.onDone != nil {
		d.onDone(Result{Job: job, MediaURL: mediaURL, Err: err})
	}
}

func (d *Dispatcher) notify(ctx context.Context, userID, body string) {
	if err := d.notifier.SendMessage(ctx, userID, body); err != nil {
		slog.Warn("Dispatcher.notify: send failed", "error", err, "userID", userID)
	}
}
