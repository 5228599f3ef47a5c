package style

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/models"
)

// DefaultClassifyTimeout bounds a single classifier call.
const DefaultClassifyTimeout = 10 * time.Second

// Classifier names the style a prompt already implies, or "" if none.
type Classifier interface {
	Classify(ctx context.Context, prompt string, styles []string) (string, error)
}

// Decision is the outcome of Resolve. Exactly one of Style or RequiresChoice is set.
type Decision struct {
	Style          string
	RequiresChoice bool
}

// Resolver validates classifier output against the user's catalog.
type Resolver struct {
	classifier Classifier
	timeout    time.Duration
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTimeout overrides DefaultClassifyTimeout.
func WithTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// NewResolver creates a Resolver. A nil classifier always requires a choice.
func NewResolver(classifier Classifier, opts ...ResolverOption) *Resolver {
	r := &Resolver{classifier: classifier, timeout: DefaultClassifyTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve never fails: classifier errors, timeouts and unknown names all require a choice.
func (r *Resolver) Resolve(ctx context.Context, prompt string, custom []models.CustomStyle) Decision {
	if r == nil || r.classifier == nil {
		return Decision{RequiresChoice: true}
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	name, err := r.classifier.Classify(cctx, prompt, Names(custom))
	if err != nil {
		slog.Warn("Resolver.Resolve: classifier unavailable, asking user", "error", err)
		return Decision{RequiresChoice: true}
	}
	if name == "" {
		return Decision{RequiresChoice: true}
	}
	canonical, ok := Canonical(name, custom)
	if !ok {
		slog.Info("Resolver.Resolve: classifier returned unknown style", "style", name)
		return Decision{RequiresChoice: true}
	}
	slog.Debug("Resolver.Resolve: style decided", "style", canonical)
	return Decision{Style: canonical}
}
