// Package testutil provides common test utilities and helpers for ReelPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/store"
)

// TB is the subset of testing.TB the helpers need, so they can be exercised with a recorder.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// DefaultEventuallyTimeout bounds Eventually.
const DefaultEventuallyTimeout = 3 * time.Second

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeAPIResponse decodes an APIResponse envelope whose result is decoded into result (may be nil)
// and fails the test when the status field differs from expectedStatus.
func DecodeAPIResponse(t TB, body io.Reader, expectedStatus models.APIStatus, result interface{}) models.APIResponse {
	t.Helper()
	var envelope struct {
		models.APIResponse
		Raw json.RawMessage `json:"result,omitempty"`
	}
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if envelope.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, envelope.Status, envelope.Message)
	}
	if result != nil && len(envelope.Raw) > 0 {
		MustUnmarshalJSON(t, envelope.Raw, result)
	}
	return envelope.APIResponse
}

// GetJSON performs a GET, asserts the HTTP status and decodes the envelope.
func GetJSON(t TB, url string, wantCode int, wantStatus models.APIStatus, result interface{}) models.APIResponse {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	AssertHTTPStatus(t, wantCode, res.StatusCode, "GET "+url)
	return DecodeAPIResponse(t, res.Body, wantStatus, result)
}

// Eventually polls cond until it holds or DefaultEventuallyTimeout passes.
func Eventually(t TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(DefaultEventuallyTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// SeedHistory appends records to the store.
func SeedHistory(t TB, st store.HistoryRepo, records ...models.HistoryRecord) {
	t.Helper()
	for _, rec := range records {
		if err := st.AppendHistory(context.Background(), rec); err != nil {
			t.Fatalf("failed to seed history: %v", err)
		}
	}
}

// SeedStates saves states to the store.
func SeedStates(t TB, st store.StateRepo, states ...models.UserState) {
	t.Helper()
	for _, s := range states {
		if err := st.SaveState(context.Background(), s); err != nil {
			t.Fatalf("failed to seed state: %v", err)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
