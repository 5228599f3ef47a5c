package style

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/google/go-cmp/cmp"
)

type fakeClassifier struct {
	name   string
	err    error
	delay  time.Duration
	styles []string
}

func (f *fakeClassifier) Classify(ctx context.Context, prompt string, styles []string) (string, error) {
	f.styles = styles
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.name, f.err
}

var noir = []models.CustomStyle{{UserID: "u", StyleName: "noir", StylePrompt: "black and white, high contrast, "}}

func TestNames(t *testing.T) {
	want := []string{"Cinematic", "Anime", "Pixel Art", "Documentary", "Fantasy", "Sci-Fi", "noir"}
	if diff := cmp.Diff(want, Names(noir)); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
	shadow := []models.CustomStyle{{StyleName: "anime", StylePrompt: "mine, "}}
	if got := Names(shadow); len(got) != 6 {
		t.Errorf("custom style shadowed by a built-in should be hidden, got %v", got)
	}
}

func TestEnhancePrompt(t *testing.T) {
	tests := []struct {
		name, style, prompt, want string
	}{
		{"builtin", "anime", "a cat", "anime style, key visual, vibrant, studio ghibli, cel shading, a cat"},
		{"custom", "NOIR", "a cat", "black and white, high contrast, a cat"},
		{"custom without separator", "bare", "a cat", "bare style, a cat"},
		{"unknown", "vapor", "  a cat ", "a cat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			custom := append([]models.CustomStyle{{StyleName: "bare", StylePrompt: "bare style"}}, noir...)
			if got := EnhancePrompt(tt.prompt, tt.style, custom); got != tt.want {
				t.Errorf("EnhancePrompt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuiltinsWinCollisions(t *testing.T) {
	custom := []models.CustomStyle{{StyleName: "cinematic", StylePrompt: "mine, "}}
	if got := Prefix("Cinematic", custom); got != builtins[0].Prefix {
		t.Errorf("Prefix = %q, want built-in prefix", got)
	}
	if got, _ := Canonical("CINEMATIC", custom); got != "Cinematic" {
		t.Errorf("Canonical = %q, want Cinematic", got)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		cls  *fakeClassifier
		want Decision
	}{
		{"decided canonicalized", &fakeClassifier{name: "pixel art"}, Decision{Style: "Pixel Art"}},
		{"custom style", &fakeClassifier{name: "Noir"}, Decision{Style: "noir"}},
		{"null", &fakeClassifier{}, Decision{RequiresChoice: true}},
		{"invalid", &fakeClassifier{name: "Vaporwave"}, Decision{RequiresChoice: true}},
		{"error", &fakeClassifier{err: errors.New("down")}, Decision{RequiresChoice: true}},
		{"timeout", &fakeClassifier{name: "Anime", delay: time.Second}, Decision{RequiresChoice: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.cls, WithTimeout(20*time.Millisecond))
			got := r.Resolve(context.Background(), "a dragon flying over mountains", noir)
			if got != tt.want {
				t.Errorf("Resolve = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolvePassesCombinedCatalog(t *testing.T) {
	cls := &fakeClassifier{}
	NewResolver(cls).Resolve(context.Background(), "a dragon flying over mountains", noir)
	if len(cls.styles) != 7 || cls.styles[6] != "noir" {
		t.Errorf("classifier should see built-ins then custom names, got %v", cls.styles)
	}
}

func TestNilResolverRequiresChoice(t *testing.T) {
	if got := NewResolver(nil).Resolve(context.Background(), "prompt text here", nil); !got.RequiresChoice {
		t.Errorf("nil classifier must require a choice, got %+v", got)
	}
}
