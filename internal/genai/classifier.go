package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const classifierSystemPrompt = `You are an assistant for a text-to-video bot. Your task is to analyze a user's prompt
and determine whether it already contains a clear artistic style.
The available styles are: %s.

Respond ONLY with a JSON object with the following structure:
{
  "style_detected": "Name of the detected style or null",
  "reasoning": "A brief explanation of why you detected that style or why you couldn't.",
  "enhanced_prompt": "A slightly improved, more vivid version of the original prompt."
}

If the prompt is generic (e.g., "a dog running"), the style must be null.
If the prompt is "a dog running in a cinematic style", you must detect "Cinematic".
Only detect a style if it is explicitly mentioned or very strongly implied.`

// StyleAnalysis is the JSON object the classifier model answers with.
type StyleAnalysis struct {
	StyleDetected  *string `json:"style_detected"`
	Reasoning      string  `json:"reasoning"`
	EnhancedPrompt string  `json:"enhanced_prompt"`
}

// StyleClassifier asks a chat model which style, if any, a prompt already implies.
type StyleClassifier struct {
	client *Client
}

// NewStyleClassifier wraps a client.
func NewStyleClassifier(client *Client) *StyleClassifier {
	return &StyleClassifier{client: client}
}

// Classify returns the detected style name or "" when the model detected none.
// The name is returned as the model wrote it; callers validate it.
func (s *StyleClassifier) Classify(ctx context.Context, prompt string, styles []string) (string, error) {
	raw, err := s.client.GenerateJSON(ctx, fmt.Sprintf(classifierSystemPrompt, strings.Join(styles, ", ")), prompt)
	if err != nil {
		return "", fmt.Errorf("style classification failed: %w", err)
	}
	analysis, err := ParseStyleAnalysis(raw)
	if err != nil {
		return "", err
	}
	slog.Debug("StyleClassifier.Classify: analysis received", "reasoning", analysis.Reasoning)
	if analysis.StyleDetected == nil {
		return "", nil
	}
	name := strings.TrimSpace(*analysis.StyleDetected)
	if strings.EqualFold(name, "null") || strings.EqualFold(name, "none") {
		return "", nil
	}
	return name, nil
}

// ParseStyleAnalysis decodes the model output, tolerating a markdown code fence around the JSON.
func ParseStyleAnalysis(raw string) (StyleAnalysis, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	var analysis StyleAnalysis
	if err := json.Unmarshal([]byte(text), &analysis); err != nil {
		return StyleAnalysis{}, fmt.Errorf("invalid classifier response: %w", err)
	}
	return analysis, nil
}
