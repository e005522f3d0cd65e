package envelope

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewRequestSetsProcessingStatus(t *testing.T) {
	env, err := NewRequest("corr-1", OpAuthenticateUser, map[string]string{"username": "alice"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if env.MessageID != "corr-1" {
		t.Errorf("MessageID = %s, want corr-1", env.MessageID)
	}
	if env.Status != StatusProcessing {
		t.Errorf("Status = %s, want %s", env.Status, StatusProcessing)
	}
	if env.OperationType != OpAuthenticateUser {
		t.Errorf("OperationType = %s, want %s", env.OperationType, OpAuthenticateUser)
	}
	if env.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	var payload map[string]string
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if payload["username"] != "alice" {
		t.Errorf("payload username = %s, want alice", payload["username"])
	}
}

func TestNewRequestNilPayload(t *testing.T) {
	env, err := NewRequest("corr-2", OpListCategories, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if env.Payload != nil {
		t.Errorf("Payload = %s, want nil", env.Payload)
	}
}

func TestNewRequestUnmarshalablePayload(t *testing.T) {
	if _, err := NewRequest("corr-3", OpListCategories, make(chan int)); err == nil {
		t.Fatal("NewRequest accepted an unmarshalable payload")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := NewRequest("corr-4", OpListPriorities, []int{1, 2, 3})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Wire field names are fixed by the downstream services.
	for _, field := range []string{`"messageId"`, `"operationType"`, `"status"`, `"payload"`, `"createdAt"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("encoded envelope missing field %s: %s", field, data)
		}
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.MessageID != env.MessageID {
		t.Errorf("decoded MessageID = %s, want %s", decoded.MessageID, env.MessageID)
	}
	if decoded.OperationType != env.OperationType || decoded.Status != env.Status {
		t.Errorf("decoded = %+v, want %+v", decoded, env)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "garbage"},
		{"wrong type", `[1,2,3]`},
		{"missing messageId", `{"operationType":"list-categories","status":"SUCCESS"}`},
		{"empty messageId", `{"messageId":"","status":"SUCCESS"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Errorf("Decode(%q) succeeded, want error", tt.data)
			}
		})
	}
}

func TestIsError(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusSuccess, false},
		{StatusError, true},
		{StatusProcessing, true},
		{"PARTIAL", true},
		{"", true},
		{"success", true}, // statuses are case-sensitive
	}

	for _, tt := range tests {
		e := &Envelope{MessageID: "x", Status: tt.status}
		if got := e.IsError(); got != tt.want {
			t.Errorf("IsError(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
