package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestRelayTransport(t *testing.T) {
	t.Run("sends messages to the bridge", func(t *testing.T) {
		var gotPath string
		var gotPayload map[string]string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
				t.Errorf("Failed to decode payload: %v", err)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		transport := NewRelayTransport(srv.URL, zap.NewNop())
		if err := transport.SendMessage(context.Background(), "#payments", "hello"); err != nil {
			t.Fatalf("SendMessage() error = %v", err)
		}

		if gotPath != "/message" {
			t.Errorf("path = %q, want /message", gotPath)
		}
		if gotPayload["channel"] != "#payments" || gotPayload["message"] != "hello" {
			t.Errorf("payload = %v", gotPayload)
		}
	})

	t.Run("sets topics via the bridge", func(t *testing.T) {
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		transport := NewRelayTransport(srv.URL, zap.NewNop())
		if err := transport.SetTopic(context.Background(), "#payments", "deploys welcome"); err != nil {
			t.Fatalf("SetTopic() error = %v", err)
		}
		if gotPath != "/topic" {
			t.Errorf("path = %q, want /topic", gotPath)
		}
	})

	t.Run("reports bridge failures", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		transport := NewRelayTransport(srv.URL, zap.NewNop())
		if err := transport.SendMessage(context.Background(), "#payments", "hello"); err == nil {
			t.Error("SendMessage() error = nil, want failure")
		}
	})
}

func TestLogTransport(t *testing.T) {
	transport := NewLogTransport(zap.NewNop())

	if err := transport.SendMessage(context.Background(), "#payments", "hello"); err != nil {
		t.Errorf("SendMessage() error = %v", err)
	}
	if err := transport.SetTopic(context.Background(), "#payments", "topic"); err != nil {
		t.Errorf("SetTopic() error = %v", err)
	}
}
