// Package models defines the core data structures for ReelPipe.
//
// It includes history and custom style records, inbound messages, and the JSON envelopes used by the API.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MinPromptLength is the minimum number of characters a generation prompt must have.
	MinPromptLength = 10
	// HistoryPageSize is the number of records shown by the /history command.
	HistoryPageSize = 5
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID      = errors.New("user id cannot be empty")
	ErrEmptyPrompt      = errors.New("prompt cannot be empty")
	ErrEmptyStyle       = errors.New("style cannot be empty")
	ErrEmptyMediaURL    = errors.New("media url cannot be empty")
	ErrEmptyStyleName   = errors.New("style name cannot be empty")
	ErrEmptyStylePrompt = errors.New("style prompt cannot be empty")
	ErrUnknownStateTag  = errors.New("unknown state tag")
	ErrEmptyPayload     = errors.New("state payload is empty")
)

// NormalizeStyle returns the canonical storage form of a style name.
func NormalizeStyle(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// HistoryRecord is one successful generation delivered to a user.
type HistoryRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Prompt    string    `json:"prompt"`
	Style     string    `json:"style"`
	MediaURL  string    `json:"media_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks required fields of a history record.
func (h *HistoryRecord) Validate() error {
	switch {
	case h.UserID == "":
		return ErrEmptyUserID
	case h.Prompt == "":
		return ErrEmptyPrompt
	case h.Style == "":
		return ErrEmptyStyle
	case h.MediaURL == "":
		return ErrEmptyMediaURL
	}
	return nil
}

// CustomStyle is a user-defined style. StyleName is stored lowercase and is unique per user.
type CustomStyle struct {
	UserID      string    `json:"user_id"`
	StyleName   string    `json:"style_name"`
	StylePrompt string    `json:"style_prompt"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks required fields of a custom style.
func (c *CustomStyle) Validate() error {
	switch {
	case c.UserID == "":
		return ErrEmptyUserID
	case NormalizeStyle(c.StyleName) == "":
		return ErrEmptyStyleName
	case strings.TrimSpace(c.StylePrompt) == "":
		return ErrEmptyStylePrompt
	}
	return nil
}

// Response represents an incoming message from a user.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDuplicate indicates an inbound message was already processed.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Duplicate creates the acknowledgement returned for an already processed inbound message.
func Duplicate() APIResponse {
	return APIResponse{Status: string(APIStatusDuplicate)}
}

// Error creates an error API response with the given message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
