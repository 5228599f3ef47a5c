package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/BTreeMap/ReelPipe/internal/cache"
	"github.com/BTreeMap/ReelPipe/internal/style"
	"github.com/BTreeMap/ReelPipe/internal/video"
	"github.com/gorilla/websocket"
)

// maxWSMessageBytes caps one inbound WebSocket request.
const maxWSMessageBytes = 16 * 1024

const (
	wsStatusGenerating = "Generating video..."
	wsStatusEncoding   = "Encoding video..."
	wsErrBusy          = "AI model is busy. Please try again."
	wsErrInternal      = "An internal server error occurred."
	wsErrBadRequest    = "Invalid request: send {\"prompt\": \"...\", \"style\": \"...\"}."
)

// wsRequest is one generation request from the web client.
type wsRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
}

// wsMessage is sent back; exactly one field is set.
type wsMessage struct {
	Status string `json:"status,omitempty"`
	Video  string `json:"video,omitempty"`
	Error  string `json:"error,omitempty"`
}

// wsHandler serves GET /api/v1/ws. Each inbound message is an independent request
// handled before the next one is read; there is no conversation state on this path.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.wsHandler: upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxWSMessageBytes)
	slog.Debug("Server.wsHandler: client connected", "remote", r.RemoteAddr)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Server.wsHandler: read failed", "error", err)
			}
			return
		}
		var req wsRequest
		if err := json.Unmarshal(raw, &req); err != nil || strings.TrimSpace(req.Prompt) == "" {
			if err := conn.WriteJSON(wsMessage{Error: wsErrBadRequest}); err != nil {
				return
			}
			continue
		}
		if err := s.serveGeneration(r.Context(), conn, req); err != nil {
			slog.Debug("Server.wsHandler: client gone", "error", err)
			return
		}
	}
}

// serveGeneration answers one request. The returned error is a write failure only.
func (s *Server) serveGeneration(ctx context.Context, conn *websocket.Conn, req wsRequest) error {
	prompt := strings.TrimSpace(req.Prompt)
	key := cache.Key(req.Style, prompt)
	if data, ok := s.media.Get(key); ok {
		slog.Info("Server.serveGeneration: cache hit", "key", key)
		return conn.WriteJSON(wsMessage{Video: base64.StdEncoding.EncodeToString(data)})
	}
	if err := conn.WriteJSON(wsMessage{Status: wsStatusGenerating}); err != nil {
		return err
	}

	// Only built-in prefixes apply on this path; an unknown style leaves the prompt as is.
	enhanced := style.EnhancePrompt(prompt, req.Style, nil)
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()
	data, hit, err := s.media.GetOrGenerate(ctx, key, func(ctx context.Context) ([]byte, error) {
		return s.generator.Generate(ctx, enhanced)
	})
	if err != nil {
		slog.Error("Server.serveGeneration: generation failed", "error", err, "style", req.Style)
		msg := wsErrInternal
		if errors.Is(err, video.ErrProviderBusy) || errors.Is(err, video.ErrProviderFailed) {
			msg = wsErrBusy
		}
		return conn.WriteJSON(wsMessage{Error: msg})
	}
	if !hit {
		if err := conn.WriteJSON(wsMessage{Status: wsStatusEncoding}); err != nil {
			return err
		}
	}
	return conn.WriteJSON(wsMessage{Video: base64.StdEncoding.EncodeToString(data)})
}

// checkOrigin accepts non-browser clients, same-host pages and the configured web origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.origins[strings.TrimRight(origin, "/")] {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
