// Conduit - Plugin Message Broker and Distributed Lock Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/conduit

package ops

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func newTestServer() *Server {
	return NewServer(Config{
		Host:            "127.0.0.1",
		Port:            0,
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	})
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newTestServer().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestReadyz(t *testing.T) {
	s := newTestServer()
	s.AddCheck("nats", func(ctx context.Context) error { return nil })
	s.AddCheck("store", func(ctx context.Context) error { return nil })

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	t.Run("all checks pass", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("failing check degrades readiness", func(t *testing.T) {
		s.AddCheck("broker", func(ctx context.Context) error {
			return errors.New("not connected")
		})

		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}

		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != "not_ready" {
			t.Errorf("status = %q", body.Status)
		}
		if body.Checks["broker"] != "not connected" {
			t.Errorf("checks = %v", body.Checks)
		}
		if body.Checks["nats"] != "ok" {
			t.Errorf("healthy check reported %q", body.Checks["nats"])
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(newTestServer().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "# ") {
		t.Error("expected Prometheus exposition format")
	}
}

func TestRateLimit(t *testing.T) {
	s := NewServer(Config{
		Host:            "127.0.0.1",
		Port:            0,
		RateLimitReqs:   3,
		RateLimitWindow: time.Minute,
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	limited := false
	for i := 0; i < 10; i++ {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("rate limit never triggered")
	}
}
