package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/messaging"
	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/store"
	"github.com/BTreeMap/ReelPipe/internal/testutil"
	"github.com/BTreeMap/ReelPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReelPipe/internal/whatsapp"
)

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return nil, g.err
	}
	return []byte("video:" + prompt), nil
}

func (g *fakeGenerator) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type fakeUploader struct{}

func (fakeUploader) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	return "https://tmpfiles.org/dl/7/" + filename, nil
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	mock   *twiliowhatsapp.MockClient
	store  *store.InMemoryStore
	gen    *fakeGenerator
}

func newTestEnv(t *testing.T, seed ...models.UserState) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	testutil.SeedStates(t, st, seed...)
	mock := twiliowhatsapp.NewMockClient()
	gen := &fakeGenerator{}
	srv := NewServer(messaging.NewTwilioService(mock, st), st, gen, fakeUploader{}, nil, WithWorkers(1))

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		srv.Stop()
	})
	return &testEnv{server: srv, http: ts, mock: mock, store: st, gen: gen}
}

func (e *testEnv) sendWhatsApp(t *testing.T, sid, body string) models.APIResponse {
	t.Helper()
	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {body}, "MessageSid": {sid}}
	res, err := http.PostForm(e.http.URL+"/api/v1/bot/webhook/twilio", form)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	defer res.Body.Close()
	testutil.AssertHTTPStatus(t, http.StatusOK, res.StatusCode, "webhook")
	var ack models.APIResponse
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func sentContaining(mock *twiliowhatsapp.MockClient, substr string) bool {
	for _, m := range mock.Sent() {
		if strings.Contains(m.Body, substr) {
			return true
		}
	}
	return false
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t)

	if root := testutil.GetJSON(t, env.http.URL+"/", http.StatusOK, models.APIStatusOK, nil); root.Message == "" {
		t.Errorf("root has no welcome message: %+v", root)
	}

	var health HealthStatus
	testutil.GetJSON(t, env.http.URL+"/health", http.StatusOK, models.APIStatusOK, &health)
	if health.Backend != BackendTwilio || health.Uptime == "" {
		t.Errorf("unexpected health %+v", health)
	}
}

func TestWebhookConversationDeliversVideo(t *testing.T) {
	env := newTestEnv(t)

	if ack := env.sendWhatsApp(t, "SM100", "a dog surfing at sunset"); ack.Status != "ok" {
		t.Fatalf("ack = %+v", ack)
	}
	testutil.Eventually(t, "style options", func() bool { return sentContaining(env.mock, "*2.* Anime") })

	env.sendWhatsApp(t, "SM101", "2")
	testutil.Eventually(t, "video delivery", func() bool {
		for _, m := range env.mock.Sent() {
			if m.MediaURL != "" {
				return true
			}
		}
		return false
	})

	if got := env.gen.calls(); len(got) != 1 || !strings.HasSuffix(got[0], "a dog surfing at sunset") || !strings.HasPrefix(got[0], "anime style") {
		t.Errorf("generator prompts = %q", got)
	}
	testutil.Eventually(t, "state cleared", func() bool {
		st, _ := env.store.GetState(context.Background(), "+15551234567")
		return st != nil && st.Tag() == models.StateNone
	})

	var history []models.HistoryRecord
	testutil.GetJSON(t, env.http.URL+"/api/v1/history?user=%2B15551234567", http.StatusOK, models.APIStatusOK, &history)
	if len(history) != 1 || history[0].Style != "anime" || history[0].Prompt != "a dog surfing at sunset" {
		t.Errorf("history = %+v", history)
	}
}

func TestWebhookRetryIsAcknowledgedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.sendWhatsApp(t, "SM200", "/help")
	testutil.Eventually(t, "help reply", func() bool { return len(env.mock.Sent()) == 1 })

	if ack := env.sendWhatsApp(t, "SM200", "/help"); ack.Status != string(models.APIStatusDuplicate) {
		t.Errorf("retry ack = %+v", ack)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(env.mock.Sent()); n != 1 {
		t.Errorf("retry was processed again: %d replies", n)
	}
}

func TestStartReleasesStaleProcessing(t *testing.T) {
	env := newTestEnv(t, models.UserState{
		UserID:  "+15550009999",
		Payload: models.ProcessingPayload{Prompt: "a castle in the clouds", Style: "fantasy", JobID: "old"},
	})
	st, _ := env.store.GetState(context.Background(), "+15550009999")
	if st == nil || st.Tag() != models.StateNone {
		t.Errorf("stale PROCESSING state survived startup: %+v", st)
	}
	if !sentContaining(env.mock, "a castle in the clouds") {
		t.Errorf("user was not told about the interruption: %+v", env.mock.Sent())
	}
}

func TestHistoryValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"", "?user=abc", "?user=%2B15551234567&limit=0", "?user=%2B15551234567&limit=many"} {
		testutil.GetJSON(t, env.http.URL+"/api/v1/history"+q, http.StatusBadRequest, models.APIStatusError, nil)
	}

	testutil.SeedHistory(t, env.store,
		models.HistoryRecord{ID: "01A", UserID: "+15550000000", Prompt: "a cat in space", Style: "anime", MediaURL: "https://x/1.mp4", CreatedAt: time.Now().Add(-time.Minute)},
		models.HistoryRecord{ID: "01B", UserID: "+15550000000", Prompt: "a cat in space", Style: "fantasy", MediaURL: "https://x/2.mp4", CreatedAt: time.Now()},
	)
	var recent []models.HistoryRecord
	testutil.GetJSON(t, env.http.URL+"/api/v1/history?user=%2B15550000000&limit=1", http.StatusOK, models.APIStatusOK, &recent)
	if len(recent) != 1 || recent[0].ID != "01B" {
		t.Errorf("limited history = %+v, want newest record only", recent)
	}

	var empty []models.HistoryRecord
	testutil.GetJSON(t, env.http.URL+"/api/v1/history?user=%2B15559999999", http.StatusOK, models.APIStatusOK, &empty)
	if empty == nil || len(empty) != 0 {
		t.Errorf("history for unknown user = %#v, want empty list", empty)
	}
}

func TestWebhookOnlyRoutedForTwilio(t *testing.T) {
	st := store.NewInMemoryStore()
	srv := NewServer(messaging.NewWhatsAppService(whatsapp.NewMockClient(), st), st, &fakeGenerator{}, fakeUploader{}, nil, WithMessagingBackend(BackendWhatsApp))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bot/webhook/twilio", strings.NewReader("From=x&Body=y"))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("webhook on whatsapp backend = %d, want 404", rec.Code)
	}
}

func TestBuildOptsDefaults(t *testing.T) {
	cfg := buildOpts([]Option{WithAddr(":9090"), WithMessagingBackend(" WhatsApp "), WithAllowedOrigins("https://reel.example")})
	if cfg.Addr != ":9090" || cfg.Backend != BackendWhatsApp || len(cfg.AllowedOrigins) != 1 {
		t.Errorf("unexpected opts %+v", cfg)
	}
	if cfg.Workers < 1 || cfg.QueueSize < 1 || cfg.JobTimeout <= 0 || cfg.UploadURL == "" {
		t.Errorf("defaults missing: %+v", cfg)
	}
}

func TestNewMessagingServiceUnknownBackend(t *testing.T) {
	if _, err := newMessagingService("carrier-pigeon", nil, nil, store.NewInMemoryStore()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
