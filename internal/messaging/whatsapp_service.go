package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/store"
	"github.com/BTreeMap/ReelPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service over a linked WhatsApp device.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // nil for mocks; needed for event subscription
	inbox    *inbox
}

// NewWhatsAppService wraps client. dedup may be nil.
func NewWhatsAppService(client whatsapp.WhatsAppSender, dedup store.DedupRepo) *WhatsAppService {
	s := &WhatsAppService{client: client, inbox: newInbox("WhatsAppService", dedup)}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the recipient as "+digits".
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start subscribes to incoming WhatsApp messages.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event subscription")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop closes the Responses channel and disconnects the live client.
func (s *WhatsAppService) Stop() error {
	s.inbox.close()
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := CanonicalizePhone(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonical)
		return err
	}
	return nil
}

// SendMedia uploads the video behind mediaURL to WhatsApp and sends it.
func (s *WhatsAppService) SendMedia(ctx context.Context, to, caption, mediaURL string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := CanonicalizePhone(to)
	if err != nil {
		return err
	}
	if err := s.client.SendVideo(ctx, canonical, caption, mediaURL); err != nil {
		slog.Error("WhatsAppService.SendMedia: send failed", "error", err, "to", canonical)
		return err
	}
	return nil
}

// Responses returns inbound messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.inbox.responses
}

// handleIncomingMessage forwards text messages; media, own messages and group chats are ignored.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	resp := models.Response{
		From:      "+" + evt.Info.Sender.User,
		Body:      text,
		MessageID: string(evt.Info.ID),
		Time:      evt.Info.Timestamp.Unix(),
	}
	if s.inbox.seen(resp) {
		slog.Debug("WhatsAppService ignoring redelivered message", "messageID", resp.MessageID)
		return
	}
	if !s.inbox.emit(resp) {
		s.inbox.forget(resp)
	}
}
