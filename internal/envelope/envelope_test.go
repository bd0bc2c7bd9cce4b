// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package envelope

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestNew(t *testing.T) {
	t.Run("generates id and timestamp", func(t *testing.T) {
		env, err := New("tenantA", "automations:trigger", map[string]string{"type": "deal"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.ID == "" {
			t.Error("expected generated ID")
		}
		if env.SentAt.IsZero() {
			t.Error("expected SentAt to be set")
		}
		if env.SchemaVersion != SchemaVersion {
			t.Errorf("expected schema version %d, got %d", SchemaVersion, env.SchemaVersion)
		}
	})

	t.Run("unmarshalable payload", func(t *testing.T) {
		_, err := New("tenantA", "x", make(chan int))
		if err == nil {
			t.Fatal("expected error for unmarshalable payload")
		}
	})

	t.Run("nil payload allowed", func(t *testing.T) {
		env, err := New("tenantA", "x", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.Payload != nil {
			t.Errorf("expected nil payload, got %s", env.Payload)
		}
	})
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{"valid", Envelope{ID: "1", Tenant: "t", Action: "a"}, ""},
		{"missing id", Envelope{Tenant: "t", Action: "a"}, "id: required"},
		{"missing tenant", Envelope{ID: "1", Action: "a"}, "tenant: required"},
		{"missing action", Envelope{ID: "1", Tenant: "t"}, "action: required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("expected %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := New("tenantA", "calls:history.record", map[string]any{
		"timeStamp":  1700000000000,
		"callStatus": "cancelled",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Tenant != "tenantA" || decoded.Action != "calls:history.record" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}

	var payload struct {
		TimeStamp  int64  `json:"timeStamp"`
		CallStatus string `json:"callStatus"`
	}
	if err := decoded.DecodePayload(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TimeStamp != 1700000000000 || payload.CallStatus != "cancelled" {
		t.Errorf("payload mismatch: %+v", payload)
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	t.Run("malformed JSON", func(t *testing.T) {
		if _, err := Unmarshal([]byte("{not json")); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("missing tenant", func(t *testing.T) {
		if _, err := Unmarshal([]byte(`{"id":"1","action":"a"}`)); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("legacy schema version defaults", func(t *testing.T) {
		env, err := Unmarshal([]byte(`{"id":"1","tenant":"t","action":"a"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.SchemaVersion != 1 {
			t.Errorf("expected default schema version 1, got %d", env.SchemaVersion)
		}
	})
}

func TestResult_WireShape(t *testing.T) {
	t.Run("success branch", func(t *testing.T) {
		r, err := Success([]string{"a", "b"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		data, err := r.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if decoded["status"] != "success" {
			t.Errorf("expected status=success, got %v", decoded["status"])
		}
		if _, ok := decoded["errorMessage"]; ok {
			t.Error("success result must not carry errorMessage")
		}
		if decoded["data"] == nil {
			t.Error("expected data field")
		}
	})

	t.Run("error branch", func(t *testing.T) {
		r := Failure(errAlways)
		data, err := r.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if decoded["status"] != "error" {
			t.Errorf("expected status=error, got %v", decoded["status"])
		}
		if decoded["errorMessage"] != "boom" {
			t.Errorf("expected errorMessage=boom, got %v", decoded["errorMessage"])
		}
		if _, ok := decoded["data"]; ok {
			t.Error("error result must not carry data")
		}
	})

	t.Run("nil error gets generic message", func(t *testing.T) {
		r := Failure(nil)
		if r.ErrorMessage != "error" {
			t.Errorf("expected generic message, got %q", r.ErrorMessage)
		}
	})

	t.Run("decode success data", func(t *testing.T) {
		r, _ := Success(map[string]int{"count": 42})
		var out struct {
			Count int `json:"count"`
		}
		if err := r.Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Count != 42 {
			t.Errorf("expected 42, got %d", out.Count)
		}
	})
}

type alwaysError struct{}

func (alwaysError) Error() string { return "boom" }

var errAlways = alwaysError{}

func TestQueueTopic(t *testing.T) {
	tests := []struct {
		queue string
		want  string
	}{
		{"automations:trigger", "conduit.q.automations.trigger"},
		{"automations:find.count", "conduit.q.automations.find.count"},
		{"calls:history.record", "conduit.q.calls.history.record"},
		{"weird queue*name", "conduit.q.weird_queue_name"},
		{"a::b", "conduit.q.a.b"},
		{":edge:", "conduit.q.edge"},
	}
	for _, tt := range tests {
		if got := QueueTopic(tt.queue); got != tt.want {
			t.Errorf("QueueTopic(%q) = %q, want %q", tt.queue, got, tt.want)
		}
	}
}

func TestReplyTopic(t *testing.T) {
	got := ReplyTopic("client-1")
	if got != "conduit.reply.client-1" {
		t.Errorf("ReplyTopic = %q", got)
	}
}
