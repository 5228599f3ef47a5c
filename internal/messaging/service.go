// Package messaging connects ReelPipe to chat channels.
//
// A Service sends text and media and exposes inbound messages on a channel;
// the ResponseHandler drains that channel into the conversation layer.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/store"
)

const (
	// DefaultChannelBufferSize is the capacity of a service's inbound channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for channel space before it is dropped.
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest number accepted as a recipient.
	minPhoneDigits = 6
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the recipient in "+digits" form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message.
	SendMessage(ctx context.Context, to string, body string) error

	// SendMedia sends a publicly reachable media URL with a caption.
	SendMedia(ctx context.Context, to, caption, mediaURL string) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Responses channel.
	Stop() error

	// Responses returns inbound user messages.
	Responses() <-chan models.Response
}

// CanonicalizePhone strips everything but digits (dropping a "whatsapp:" prefix
// along the way) and returns "+digits".
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, minPhoneDigits)
	}
	return "+" + digits, nil
}

// inbox is the inbound side shared by the services: a buffered channel that
// is closed exactly once, plus optional redelivery filtering.
type inbox struct {
	name      string
	responses chan models.Response
	dedup     store.DedupRepo
	mu        sync.RWMutex
	stopped   bool
}

func newInbox(name string, dedup store.DedupRepo) *inbox {
	return &inbox{
		name:      name,
		responses: make(chan models.Response, DefaultChannelBufferSize),
		dedup:     dedup,
	}
}

// seen reports whether a message with this provider ID was already accepted.
// Lookup failures are logged and treated as new messages.
func (b *inbox) seen(resp models.Response) bool {
	if b.dedup == nil || resp.MessageID == "" {
		return false
	}
	fresh, err := b.dedup.RecordInbound(resp.MessageID, resp.From)
	if err != nil {
		slog.Warn(b.name+".inbox: dedup record failed", "error", err, "messageID", resp.MessageID)
		return false
	}
	return !fresh
}

// forget undoes seen for a message that could not be queued, so a redelivery is accepted.
func (b *inbox) forget(resp models.Response) {
	if b.dedup == nil || resp.MessageID == "" {
		return
	}
	if err := b.dedup.ForgetInbound(resp.MessageID); err != nil {
		slog.Warn(b.name+".inbox: dedup forget failed", "error", err, "messageID", resp.MessageID)
	}
}

// emit queues resp, dropping it if the service is stopped or the channel stays full.
func (b *inbox) emit(resp models.Response) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+".inbox: dropping inbound message (service stopped)", "from", resp.From)
		return false
	}
	select {
	case b.responses <- resp:
		slog.Debug(b.name+".inbox: inbound message queued", "from", resp.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+".inbox: responses channel blocked, dropping message", "from", resp.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.responses)
}
