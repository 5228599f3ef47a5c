// Package models defines conversation state structures for ReelPipe.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateTag identifies where a user is in the conversation.
type StateTag string

const (
	// StateNone is the idle state. An absent record is equivalent to StateNone.
	StateNone StateTag = ""
	// StateAwaitingStyleChoice means the user was shown the style catalog and must pick one by number.
	StateAwaitingStyleChoice StateTag = "awaiting_style_choice"
	// StateAwaitingCachedStyleChoice means the user was shown the styles already generated for the prompt.
	StateAwaitingCachedStyleChoice StateTag = "awaiting_cached_style_choice"
	// StateProcessing means a generation job was dispatched and has not concluded yet.
	StateProcessing StateTag = "processing"
)

// IsValidStateTag checks if the given tag is one of the known states.
func IsValidStateTag(tag StateTag) bool {
	switch tag {
	case StateNone, StateAwaitingStyleChoice, StateAwaitingCachedStyleChoice, StateProcessing:
		return true
	default:
		return false
	}
}

// Payload is the state-specific data attached to a UserState.
// Each non-idle tag owns exactly one payload type.
type Payload interface {
	Tag() StateTag
}

// StyleChoicePayload is carried by StateAwaitingStyleChoice.
type StyleChoicePayload struct {
	Prompt       string   `json:"prompt"`
	StyleOptions []string `json:"style_options"`
}

// Tag implements Payload.
func (StyleChoicePayload) Tag() StateTag { return StateAwaitingStyleChoice }

// CachedStyleChoicePayload is carried by StateAwaitingCachedStyleChoice.
type CachedStyleChoicePayload struct {
	Prompt       string   `json:"prompt"`
	CachedStyles []string `json:"cached_styles"`
}

// Tag implements Payload.
func (CachedStyleChoicePayload) Tag() StateTag { return StateAwaitingCachedStyleChoice }

// ProcessingPayload is carried by StateProcessing.
type ProcessingPayload struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
	JobID  string `json:"job_id,omitempty"`
}

// Tag implements Payload.
func (ProcessingPayload) Tag() StateTag { return StateProcessing }

// UserState is the single per-user conversation record.
type UserState struct {
	UserID    string    `json:"user_id"`
	Payload   Payload   `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tag returns the state tag derived from the payload; a nil payload is StateNone.
func (s UserState) Tag() StateTag {
	if s.Payload == nil {
		return StateNone
	}
	return s.Payload.Tag()
}

// PendingPrompt returns the prompt a user is choosing a style for, if any.
func (s UserState) PendingPrompt() (string, bool) {
	switch p := s.Payload.(type) {
	case StyleChoicePayload:
		return p.Prompt, p.Prompt != ""
	case CachedStyleChoicePayload:
		return p.Prompt, p.Prompt != ""
	default:
		return "", false
	}
}

// EncodePayload serializes a payload for storage. A nil payload encodes to an empty string.
func EncodePayload(p Payload) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", p.Tag(), err)
	}
	return string(data), nil
}

// DecodePayload restores the payload stored for a tag.
func DecodePayload(tag StateTag, data string) (Payload, error) {
	switch tag {
	case StateNone:
		return nil, nil
	case StateAwaitingStyleChoice:
		var p StyleChoicePayload
		if err := decodeInto(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case StateAwaitingCachedStyleChoice:
		var p CachedStyleChoicePayload
		if err := decodeInto(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case StateProcessing:
		var p ProcessingPayload
		if data == "" {
			return p, nil
		}
		if err := decodeInto(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStateTag, tag)
	}
}

func decodeInto(data string, v any) error {
	if data == "" {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
