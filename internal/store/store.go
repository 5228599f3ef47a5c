// Package store provides storage backends for ReelPipe.
//
// It includes an in-memory store and SQLite/PostgreSQL stores for conversation state,
// generation history, custom styles, and inbound message deduplication.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/models"
)

// ErrStoreClosed is returned by an InMemoryStore after Close.
var ErrStoreClosed = errors.New("store closed")

// StateRepo persists one conversation state record per user.
type StateRepo interface {
	// GetState returns the user's state, or nil if the user has no record.
	GetState(ctx context.Context, userID string) (*models.UserState, error)
	// SaveState overwrites the user's state record.
	SaveState(ctx context.Context, state models.UserState) error
	// ClearState resets the user's state to StateNone without deleting the record.
	ClearState(ctx context.Context, userID string) error
	// ListStates returns every record currently in the given state.
	ListStates(ctx context.Context, tag models.StateTag) ([]models.UserState, error)
}

// HistoryRepo persists the append-only generation history.
type HistoryRepo interface {
	AppendHistory(ctx context.Context, rec models.HistoryRecord) error
	// RecentHistory returns at most n records, newest first.
	RecentHistory(ctx context.Context, userID string, n int) ([]models.HistoryRecord, error)
	// FindExact returns the newest record for (user, prompt, style), or nil.
	FindExact(ctx context.Context, userID, prompt, style string) (*models.HistoryRecord, error)
	// FindStyles returns the distinct styles used for the prompt, ascending.
	FindStyles(ctx context.Context, userID, prompt string) ([]string, error)
}

// StyleRepo persists user-defined styles.
type StyleRepo interface {
	UpsertStyle(ctx context.Context, style models.CustomStyle) error
	ListStyles(ctx context.Context, userID string) ([]models.CustomStyle, error)
	// DeleteStyle reports whether a style with that name existed.
	DeleteStyle(ctx context.Context, userID, name string) (bool, error)
}

// Store is the persistence collaborator consumed by the conversation core.
type Store interface {
	StateRepo
	HistoryRepo
	StyleRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for the SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for the SQL stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the store matching the DSN type, or an in-memory store when no DSN is configured.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.New: no DSN configured, using in-memory store (data is lost on restart)")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// InMemoryStore is a mutex-guarded Store used for tests and DSN-less runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	states  map[string]models.UserState
	history []models.HistoryRecord
	styles  map[string]map[string]models.CustomStyle
	inbound map[string]DedupRecord
	closed  bool
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:  make(map[string]models.UserState),
		styles:  make(map[string]map[string]models.CustomStyle),
		inbound: make(map[string]DedupRecord),
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) GetState(ctx context.Context, userID string) (*models.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	st, ok := s.states[userID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *InMemoryStore) SaveState(ctx context.Context, state models.UserState) error {
	if err := validateState(state); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	s.states[state.UserID] = state
	return nil
}

func (s *InMemoryStore) ClearState(ctx context.Context, userID string) error {
	return s.SaveState(ctx, models.UserState{UserID: userID, UpdatedAt: time.Now().UTC()})
}

func (s *InMemoryStore) ListStates(ctx context.Context, tag models.StateTag) ([]models.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []models.UserState
	for _, st := range s.states {
		if st.Tag() == tag {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryStore) AppendHistory(ctx context.Context, rec models.HistoryRecord) error {
	rec.Style = models.NormalizeStyle(rec.Style)
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.history = append(s.history, rec)
	return nil
}

// newestFirst returns the user's history ordered by created_at descending; later appends win ties.
func (s *InMemoryStore) newestFirst(userID string) []models.HistoryRecord {
	var out []models.HistoryRecord
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].UserID == userID {
			out = append(out, s.history[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *InMemoryStore) RecentHistory(ctx context.Context, userID string, n int) ([]models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := s.newestFirst(userID)
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *InMemoryStore) FindExact(ctx context.Context, userID, prompt, style string) (*models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	style = models.NormalizeStyle(style)
	for _, rec := range s.newestFirst(userID) {
		if rec.Prompt == prompt && rec.Style == style {
			r := rec
			return &r, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) FindStyles(ctx context.Context, userID, prompt string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	seen := make(map[string]bool)
	var out []string
	for _, rec := range s.history {
		if rec.UserID == userID && rec.Prompt == prompt && !seen[rec.Style] {
			seen[rec.Style] = true
			out = append(out, rec.Style)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) UpsertStyle(ctx context.Context, style models.CustomStyle) error {
	style.StyleName = models.NormalizeStyle(style.StyleName)
	if err := style.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if style.UpdatedAt.IsZero() {
		style.UpdatedAt = time.Now().UTC()
	}
	if s.styles[style.UserID] == nil {
		s.styles[style.UserID] = make(map[string]models.CustomStyle)
	}
	s.styles[style.UserID][style.StyleName] = style
	return nil
}

func (s *InMemoryStore) ListStyles(ctx context.Context, userID string) ([]models.CustomStyle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []models.CustomStyle
	for _, st := range s.styles[userID] {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StyleName < out[j].StyleName })
	return out, nil
}

func (s *InMemoryStore) DeleteStyle(ctx context.Context, userID, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	name = models.NormalizeStyle(name)
	if _, ok := s.styles[userID][name]; !ok {
		return false, nil
	}
	delete(s.styles[userID], name)
	return true, nil
}

func (s *InMemoryStore) RecordInbound(messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) ForgetInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.inbound, messageID)
	return nil
}

// Close marks the store closed; every later call fails with ErrStoreClosed.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
