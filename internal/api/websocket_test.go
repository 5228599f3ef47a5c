package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/messaging"
	"github.com/BTreeMap/ReelPipe/internal/store"
	"github.com/BTreeMap/ReelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReelPipe/internal/video"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

func newWSServer(t *testing.T, gen *fakeGenerator) string {
	t.Helper()
	st := store.NewInMemoryStore()
	srv := NewServer(messaging.NewTwilioService(twiliowhatsapp.NewMockClient(), st), st, gen, fakeUploader{}, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// exchange sends one request and reads until a video or error message arrives.
func exchange(t *testing.T, conn *websocket.Conn, req wsRequest) []wsMessage {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got []wsMessage
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (so far %+v)", err, got)
		}
		got = append(got, msg)
		if msg.Video != "" || msg.Error != "" {
			return got
		}
	}
}

func TestWebSocketGenerationAndCache(t *testing.T) {
	gen := &fakeGenerator{}
	conn := dial(t, newWSServer(t, gen))

	first := exchange(t, conn, wsRequest{Prompt: "a cat in space", Style: "Anime"})
	wantVideo := base64.StdEncoding.EncodeToString([]byte("video:anime style, key visual, vibrant, studio ghibli, cel shading, a cat in space"))
	want := []wsMessage{{Status: wsStatusGenerating}, {Status: wsStatusEncoding}, {Video: wantVideo}}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("first request (-want +got):\n%s", diff)
	}

	second := exchange(t, conn, wsRequest{Prompt: "a cat in space", Style: "Anime"})
	if diff := cmp.Diff([]wsMessage{{Video: wantVideo}}, second); diff != "" {
		t.Errorf("cached request (-want +got):\n%s", diff)
	}
	if n := len(gen.calls()); n != 1 {
		t.Errorf("generator called %d times, want 1", n)
	}
}

func TestWebSocketUnknownStyleUsesRawPrompt(t *testing.T) {
	gen := &fakeGenerator{}
	conn := dial(t, newWSServer(t, gen))
	exchange(t, conn, wsRequest{Prompt: "a lighthouse at dawn", Style: "my-custom"})
	if diff := cmp.Diff([]string{"a lighthouse at dawn"}, gen.calls()); diff != "" {
		t.Errorf("generator prompts (-want +got):\n%s", diff)
	}
}

func TestWebSocketErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"busy", fmt.Errorf("%w: status 429", video.ErrProviderBusy), wsErrBusy},
		{"provider", fmt.Errorf("%w: status 500", video.ErrProviderFailed), wsErrBusy},
		{"internal", context.DeadlineExceeded, wsErrInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dial(t, newWSServer(t, &fakeGenerator{err: tc.err}))
			got := exchange(t, conn, wsRequest{Prompt: "a storm over the sea", Style: "Cinematic"})
			last := got[len(got)-1]
			if last.Error != tc.want {
				t.Errorf("error = %q, want %q", last.Error, tc.want)
			}
		})
	}
}

func TestWebSocketBadRequestKeepsConnection(t *testing.T) {
	conn := dial(t, newWSServer(t, &fakeGenerator{}))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg wsMessage
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil || msg.Error != wsErrBadRequest {
		t.Fatalf("bad request reply = %+v, %v", msg, err)
	}
	got := exchange(t, conn, wsRequest{Prompt: "a forest of glass trees", Style: "Fantasy"})
	if got[len(got)-1].Video == "" {
		t.Errorf("connection unusable after bad request: %+v", got)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	wsURL := newWSServer(t, &fakeGenerator{})
	_, res, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %+v", res)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:5173"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}
