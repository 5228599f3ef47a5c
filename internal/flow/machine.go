package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/ReelPipe/internal/cache"
	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/store"
	"github.com/BTreeMap/ReelPipe/internal/style"
	"github.com/oklog/ulid/v2"
)

// Machine decides, for one inbound message, which state transition applies and which actions follow.
// State writes happen inside HandleMessage under a per-user lock; different users proceed in parallel.
type Machine struct {
	states   *StoreBasedStateManager
	history  store.HistoryRepo
	styles   store.StyleRepo
	lookup   *cache.Lookup
	resolver *style.Resolver
	locks    *userLocks
	newJobID func() string
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithJobIDFunc replaces the ULID job id generator.
func WithJobIDFunc(fn func() string) MachineOption {
	return func(m *Machine) { m.newJobID = fn }
}

// NewMachine wires a Machine to the store and the style resolver.
func NewMachine(st store.Store, resolver *style.Resolver, opts ...MachineOption) *Machine {
	m := &Machine{
		states:   NewStoreBasedStateManager(st),
		history:  st,
		styles:   st,
		lookup:   cache.NewLookup(st),
		resolver: resolver,
		locks:    newUserLocks(),
		newJobID: func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleMessage applies one message to the user's conversation and returns the actions to execute.
func (m *Machine) HandleMessage(ctx context.Context, userID, rawText string) ([]Action, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	text := strings.TrimSpace(rawText)

	unlock := m.locks.Lock(userID)
	defer unlock()

	st := m.states.Get(ctx, userID)
	slog.Debug("Machine.HandleMessage", "userID", userID, "state", st.Tag(), "textLen", len(text))

	if strings.HasPrefix(text, "/") {
		return m.handleCommand(ctx, st, text), nil
	}
	switch p := st.Payload.(type) {
	case models.CachedStyleChoicePayload:
		return m.handleCachedChoice(ctx, userID, p, text), nil
	case models.StyleChoicePayload:
		return m.handleStyleChoice(ctx, userID, p, text), nil
	default:
		// Idle and processing users alike start a new request.
		return m.handlePrompt(ctx, userID, text), nil
	}
}

func (m *Machine) handlePrompt(ctx context.Context, userID, prompt string) []Action {
	if utf8.RuneCountInString(prompt) < models.MinPromptLength {
		return reply(textTooShort)
	}

	if cached := m.lookup.FindStylesForPrompt(ctx, userID, prompt); len(cached) > 0 {
		m.states.Set(ctx, userID, models.CachedStyleChoicePayload{Prompt: prompt, CachedStyles: cached})
		return reply(renderCachedStyles(cached))
	}

	custom := m.customStyles(ctx, userID)
	decision := m.resolver.Resolve(ctx, prompt, custom)
	if decision.RequiresChoice {
		return m.offerStyles(ctx, userID, prompt, custom)
	}
	if url, ok := m.lookup.FindExact(ctx, userID, prompt, decision.Style); ok {
		return []Action{SendMedia{URL: url, Caption: textCachedHit}}
	}
	return m.startGeneration(ctx, userID, prompt, decision.Style, custom, textGeneratingAuto)
}

func (m *Machine) handleCachedChoice(ctx context.Context, userID string, p models.CachedStyleChoicePayload, text string) []Action {
	if strings.EqualFold(text, "all") {
		return m.offerStyles(ctx, userID, p.Prompt, m.customStyles(ctx, userID))
	}
	n, ok := parseChoice(text, len(p.CachedStyles))
	if !ok {
		m.states.Clear(ctx, userID)
		return reply(textCachedReset)
	}
	chosen := p.CachedStyles[n-1]
	if url, ok := m.lookup.FindExact(ctx, userID, p.Prompt, chosen); ok {
		m.states.Clear(ctx, userID)
		return []Action{SendMedia{URL: url, Caption: textCachedHit}}
	}
	slog.Info("Machine.handleCachedChoice: cached entry vanished, generating instead", "userID", userID, "style", chosen)
	return m.startGeneration(ctx, userID, p.Prompt, chosen, m.customStyles(ctx, userID), fmt.Sprintf(textGeneratingPick, chosen))
}

func (m *Machine) handleStyleChoice(ctx context.Context, userID string, p models.StyleChoicePayload, text string) []Action {
	n, ok := parseChoice(text, len(p.StyleOptions))
	if !ok {
		m.states.Clear(ctx, userID)
		if isNumber(text) {
			return reply(textInvalidChoice)
		}
		return reply(textStyleReset)
	}
	chosen := p.StyleOptions[n-1]
	if url, ok := m.lookup.FindExact(ctx, userID, p.Prompt, chosen); ok {
		m.states.Clear(ctx, userID)
		return []Action{SendMedia{URL: url, Caption: textCachedHit}}
	}
	return m.startGeneration(ctx, userID, p.Prompt, chosen, m.customStyles(ctx, userID), fmt.Sprintf(textGeneratingPick, chosen))
}

func (m *Machine) offerStyles(ctx context.Context, userID, prompt string, custom []models.CustomStyle) []Action {
	options := style.Names(custom)
	m.states.Set(ctx, userID, models.StyleChoicePayload{Prompt: prompt, StyleOptions: options})
	return reply(renderStyleOptions(options))
}

// startGeneration moves the user to PROCESSING and emits the job.
func (m *Machine) startGeneration(ctx context.Context, userID, prompt, styleName string, custom []models.CustomStyle, intro string) []Action {
	jobID := m.newJobID()
	m.states.Set(ctx, userID, models.ProcessingPayload{Prompt: prompt, Style: styleName, JobID: jobID})
	slog.Info("Machine.startGeneration", "userID", userID, "style", styleName, "jobID", jobID)
	return []Action{
		SendText{Body: intro},
		StartGeneration{
			JobID:          jobID,
			Prompt:         prompt,
			EnhancedPrompt: style.EnhancePrompt(prompt, styleName, custom),
			Style:          styleName,
		},
	}
}

func (m *Machine) customStyles(ctx context.Context, userID string) []models.CustomStyle {
	styles, err := m.styles.ListStyles(ctx, userID)
	if err != nil {
		slog.Warn("Machine.customStyles: store unavailable, using built-ins only", "error", err, "userID", userID)
		return nil
	}
	return styles
}

// parseChoice accepts a 1-based index into a list of n entries.
func parseChoice(text string, n int) (int, bool) {
	if !isNumber(text) {
		return 0, false
	}
	i, err := strconv.Atoi(text)
	if err != nil || i < 1 || i > n {
		return 0, false
	}
	return i, true
}

func isNumber(text string) bool {
	if text == "" {
		return false
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
