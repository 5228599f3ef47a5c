package genai

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDebugLogging(t *testing.T) {
	tempDir := t.TempDir()
	client := &Client{
		chat:        &mockChatService{resp: completionWith(`{"style_detected": null}`)},
		model:       "test-model",
		temperature: 0.2,
		debugMode:   true,
		stateDir:    tempDir,
	}
	if _, err := client.GenerateJSON(context.Background(), "System prompt", "User prompt"); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}

	debugDir := filepath.Join(tempDir, "debug")
	files, err := os.ReadDir(debugDir)
	if err != nil {
		t.Fatalf("Failed to read debug directory: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one debug file, got %d", len(files))
	}
	content, err := os.ReadFile(filepath.Join(debugDir, files[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read debug file: %v", err)
	}
	var logEntry map[string]interface{}
	if err := json.Unmarshal(content, &logEntry); err != nil {
		t.Fatalf("Failed to unmarshal debug log: %v", err)
	}
	for _, field := range []string{"timestamp", "method", "model", "params", "response"} {
		if _, exists := logEntry[field]; !exists {
			t.Errorf("Required field '%s' missing from debug log", field)
		}
	}
	if logEntry["method"] != "GenerateJSON" {
		t.Errorf("Expected method 'GenerateJSON', got %v", logEntry["method"])
	}
	if logEntry["model"] != "test-model" {
		t.Errorf("Expected model 'test-model', got %v", logEntry["model"])
	}
}

func TestDebugLoggingDisabled(t *testing.T) {
	tempDir := t.TempDir()
	client := &Client{
		chat:     &mockChatService{resp: completionWith("ok")},
		model:    "test-model",
		stateDir: tempDir,
	}
	if _, err := client.GenerateJSON(context.Background(), "System prompt", "User prompt"); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "debug")); !os.IsNotExist(err) {
		t.Errorf("Debug directory should not be created when debug mode is disabled")
	}
}
