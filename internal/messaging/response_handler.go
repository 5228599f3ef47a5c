package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/store"
)

// DefaultApology is sent when handling a message fails unexpectedly.
const DefaultApology = "⚠️ Sorry, something went wrong while handling your message. Please try again."

// MessageHandler processes one inbound message from a canonical sender.
type MessageHandler func(ctx context.Context, from, body string) error

// ResponseHandler drains a Service's inbound channel. Different senders are
// handled in parallel; one sender's messages run one at a time in arrival order.
type ResponseHandler struct {
	msgService Service
	handle     MessageHandler
	dedup      store.DedupRepo
	apology    string
	wg         sync.WaitGroup
	stopped    chan struct{}

	mu     sync.Mutex
	queues map[string]*senderQueue
}

// senderQueue holds messages waiting behind the one being handled for a sender.
type senderQueue struct {
	pending []models.Response
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithProcessedMarker marks each handled message as processed in repo.
func WithProcessedMarker(repo store.DedupRepo) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = repo }
}

// WithApology overrides the text sent when handling fails.
func WithApology(text string) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.apology = text }
}

// NewResponseHandler creates a ResponseHandler.
func NewResponseHandler(msgService Service, handle MessageHandler, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		msgService: msgService,
		handle:     handle,
		apology:    DefaultApology,
		stopped:    make(chan struct{}),
		queues:     make(map[string]*senderQueue),
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// Start consumes Responses until the channel closes or ctx is done.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go func() {
		defer close(rh.stopped)
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					return
				}
				rh.enqueue(ctx, response)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// enqueue appends response to its sender's queue, starting a drain goroutine
// when the sender has none running.
func (rh *ResponseHandler) enqueue(ctx context.Context, response models.Response) {
	key := response.From
	if canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From); err == nil {
		key = canonical
	}
	rh.mu.Lock()
	if q, ok := rh.queues[key]; ok {
		q.pending = append(q.pending, response)
		rh.mu.Unlock()
		return
	}
	q := &senderQueue{pending: []models.Response{response}}
	rh.queues[key] = q
	rh.mu.Unlock()

	rh.wg.Add(1)
	go rh.drain(ctx, key, q)
}

func (rh *ResponseHandler) drain(ctx context.Context, key string, q *senderQueue) {
	defer rh.wg.Done()
	for {
		rh.mu.Lock()
		if len(q.pending) == 0 {
			delete(rh.queues, key)
			rh.mu.Unlock()
			return
		}
		response := q.pending[0]
		q.pending = q.pending[1:]
		rh.mu.Unlock()

		if err := rh.ProcessResponse(ctx, response); err != nil {
			slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
		}
	}
}

// Wait blocks until the consume loop has exited and in-flight messages are handled.
// Call it after stopping the service or cancelling the Start context.
func (rh *ResponseHandler) Wait() {
	<-rh.stopped
	rh.wg.Wait()
}

// ProcessResponse handles one message. A handler error or panic is logged and
// answered with the apology text.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) (err error) {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ResponseHandler recovered from panic", "panic", r, "from", from, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
			rh.apologize(ctx, from)
		}
		rh.markProcessed(response.MessageID)
	}()

	slog.Debug("ResponseHandler processing response", "from", from, "body_length", len(response.Body))
	if err := rh.handle(ctx, from, response.Body); err != nil {
		rh.apologize(ctx, from)
		return fmt.Errorf("handler failed: %w", err)
	}
	return nil
}

func (rh *ResponseHandler) apologize(ctx context.Context, to string) {
	if err := rh.msgService.SendMessage(ctx, to, rh.apology); err != nil {
		slog.Error("ResponseHandler failed to send apology", "error", err, "to", to)
	}
}

func (rh *ResponseHandler) markProcessed(messageID string) {
	if rh.dedup == nil || messageID == "" {
		return
	}
	if err := rh.dedup.MarkProcessed(messageID); err != nil {
		slog.Warn("ResponseHandler failed to mark message processed", "error", err, "messageID", messageID)
	}
}
