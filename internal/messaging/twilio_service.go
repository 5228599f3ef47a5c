package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/store"
	"github.com/BTreeMap/ReelPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio REST API. Inbound messages
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	client twiliowhatsapp.TwilioWhatsAppSender
	inbox  *inbox
}

// NewTwilioService creates a TwilioService. dedup may be nil, in which case
// Twilio webhook retries are processed again.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, dedup store.DedupRepo) *TwilioService {
	return &TwilioService{client: client, inbox: newInbox("TwilioService", dedup)}
}

// ValidateAndCanonicalizeRecipient returns the recipient as "+digits".
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the Responses channel. It is safe to call more than once.
func (s *TwilioService) Stop() error {
	s.inbox.close()
	return nil
}

// SendMessage sends a text message.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// SendMedia sends a media URL with a caption.
func (s *TwilioService) SendMedia(ctx context.Context, to, caption, mediaURL string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMedia: invalid recipient", "error", err, "to", to)
		return err
	}
	return s.client.SendMedia(ctx, canonical, caption, mediaURL)
}

// Responses returns inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.inbox.responses
}

// TwilioWebhookHandler accepts Twilio's inbound message form (From, Body,
// MessageSid), queues the message and acknowledges immediately. A MessageSid
// seen before is acknowledged as a duplicate without being queued again.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: bad form", "error", err)
		writeAck(w, http.StatusBadRequest, models.Error("invalid form body"))
		return
	}

	rawFrom := r.FormValue("From")
	body := r.FormValue("Body")
	sid := r.FormValue("MessageSid")
	if rawFrom == "" || strings.TrimSpace(body) == "" {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "from", rawFrom, "body_length", len(body))
		writeAck(w, http.StatusBadRequest, models.Error("missing required fields: From, Body"))
		return
	}
	from, err := CanonicalizePhone(strings.TrimPrefix(rawFrom, twiliowhatsapp.AddressPrefix))
	if err != nil {
		slog.Warn("TwilioService.TwilioWebhookHandler: invalid sender", "error", err, "from", rawFrom)
		writeAck(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	resp := models.Response{From: from, Body: body, MessageID: sid, Time: time.Now().Unix()}
	if s.inbox.seen(resp) {
		slog.Info("TwilioService.TwilioWebhookHandler: duplicate delivery acknowledged", "messageSid", sid, "from", from)
		writeAck(w, http.StatusOK, models.Duplicate())
		return
	}
	slog.Info("TwilioService.TwilioWebhookHandler: inbound message", "from", from, "messageSid", sid, "body_length", len(body))
	if !s.inbox.emit(resp) {
		// Not queued: let Twilio redeliver instead of acknowledging a lost message.
		s.inbox.forget(resp)
		writeAck(w, http.StatusServiceUnavailable, models.Error("message not accepted, retry later"))
		return
	}
	writeAck(w, http.StatusOK, models.Success(nil))
}

func writeAck(w http.ResponseWriter, status int, payload models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("TwilioService.writeAck: encode failed", "error", err)
	}
}
