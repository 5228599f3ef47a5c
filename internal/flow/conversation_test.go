package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/dispatch"
	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/style"
)

type outbound struct {
	body, url string
}

type recordingSender struct {
	mu  sync.Mutex
	out []outbound
}

func (r *recordingSender) SendMessage(ctx context.Context, to, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, outbound{body: body})
	return nil
}

func (r *recordingSender) SendMedia(ctx context.Context, to, caption, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, outbound{body: caption, url: url})
	return nil
}

func (r *recordingSender) media() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var urls []string
	for _, o := range r.out {
		if o.url != "" {
			urls = append(urls, o.url)
		}
	}
	return urls
}

type countingGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *countingGenerator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return []byte("mp4"), nil
}

type staticUploader struct{}

func (staticUploader) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	return "https://tmpfiles.org/dl/42/video.mp4", nil
}

// TestConversationEndToEnd walks a user from a fresh prompt through generation and a cached resend.
func TestConversationEndToEnd(t *testing.T) {
	m, st := newTestMachine(t, &stubClassifier{})
	sender := &recordingSender{}
	gen := &countingGenerator{}
	done := make(chan dispatch.Result, 4)
	d := dispatch.New(gen, staticUploader{}, sender, st, st, dispatch.WithCompletionHook(func(r dispatch.Result) { done <- r }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	conv := NewConversation(m, sender, d)
	must := func(text string) {
		t.Helper()
		if err := conv.Handle(ctx, user, text); err != nil {
			t.Fatalf("Handle(%q): %v", text, err)
		}
	}

	must("a dragon flying over mountains")
	must("2")
	select {
	case r := <-done:
		if r.Err != nil {
			t.Fatalf("job failed: %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("generation never concluded")
	}
	if tag := stateOf(t, st).Tag(); tag != models.StateNone {
		t.Fatalf("state after dispatch = %q", tag)
	}
	recs, _ := st.RecentHistory(ctx, user, 5)
	if len(recs) != 1 || recs[0].Style != models.NormalizeStyle(style.BuiltinNames()[1]) {
		t.Fatalf("history = %+v", recs)
	}

	must("a dragon flying over mountains")
	if tag := stateOf(t, st).Tag(); tag != models.StateAwaitingCachedStyleChoice {
		t.Fatalf("state on resend = %q", tag)
	}
	must("1")
	if gen.calls != 1 {
		t.Errorf("cached reply must not regenerate, generator called %d times", gen.calls)
	}
	if urls := sender.media(); len(urls) != 2 || urls[1] != "https://tmpfiles.org/dl/42/video.mp4" {
		t.Errorf("media deliveries = %v", urls)
	}
}
