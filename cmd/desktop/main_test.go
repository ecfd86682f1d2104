// Package main tests for desktop server routing and WebSocket events.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/invsync/backend/internal/config"
	"github.com/kimhsiao/invsync/backend/internal/services"
	"github.com/kimhsiao/invsync/backend/internal/sync/remote"
	"github.com/kimhsiao/invsync/backend/internal/sync/status"
)

// =====================================================
// Test Helpers
// =====================================================

type testEnv struct {
	svc    *services.SyncService
	hub    *WSHub
	server *httptest.Server
}

// setupTestEnv starts a service, a hub relaying its snapshots and an HTTP
// server with the full router.
func setupTestEnv(t *testing.T, online bool) *testEnv {
	t.Helper()
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Log:     config.LogConfig{Level: "info"},
		Queue:   config.QueueConfig{Retention: time.Hour, PurgeInterval: time.Hour},
		Sync: config.SyncConfig{
			MaxConcurrentSends: 2,
			MaxAttempts:        3,
			SendTimeout:        5 * time.Second,
			PassTimeout:        time.Minute,
		},
		Remote: config.RemoteConfig{UserID: "user-1"},
	}
	svc, err := services.NewSyncService(context.Background(), cfg, services.Dependencies{
		Remote: remote.NewMemoryRemote(),
		Online: &online,
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub()
	snapshots, unsubscribe := svc.Subscribe()
	go hub.Run(ctx)
	go hub.Relay(ctx, snapshots)

	server := httptest.NewServer(newRouter(svc, hub))
	t.Cleanup(func() {
		server.Close()
		unsubscribe()
		cancel()
		svc.Close()
	})
	return &testEnv{svc: svc, hub: hub, server: server}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type rawEnvelope struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// readUntil reads messages until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(rawEnvelope) bool) rawEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env rawEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("Failed to read message: %v", err)
		}
		if match(env) {
			return env
		}
	}
}

func ofType(eventType string) func(rawEnvelope) bool {
	return func(env rawEnvelope) bool { return env.Type == eventType }
}

// =====================================================
// Routing
// =====================================================

func TestMain_HealthCheck(t *testing.T) {
	env := setupTestEnv(t, true)

	resp, err := http.Get(env.server.URL + "/api/health")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != Version {
		t.Errorf("Unexpected health body %v", body)
	}
}

func TestMain_HealthCheck_MethodNotAllowed(t *testing.T) {
	env := setupTestEnv(t, true)

	resp, err := http.Post(env.server.URL+"/api/health", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestMain_RouteRegistration(t *testing.T) {
	env := setupTestEnv(t, false)

	routes := []string{"/api/status", "/api/scheduler", "/api/operations"}
	for _, route := range routes {
		resp, err := http.Get(env.server.URL + route)
		if err != nil {
			t.Fatalf("GET %s failed: %v", route, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", route, resp.StatusCode)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8090", true},
		{"https://evil.example.com", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

// =====================================================
// Snapshot events
// =====================================================

func eventTypes(events []WSEnvelope) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestSnapshotEvents(t *testing.T) {
	op := &status.OperationState{ID: "op-1", Status: "in_flight", Attempts: 1}

	tests := []struct {
		name string
		prev *status.Snapshot
		next status.Snapshot
		want []string
	}{
		{
			name: "first snapshot",
			next: status.Snapshot{Phase: status.PhaseIdle, Online: true},
			want: []string{EventSyncStatus},
		},
		{
			name: "pass starts",
			prev: &status.Snapshot{Phase: status.PhaseIdle, Online: true},
			next: status.Snapshot{Phase: status.PhaseSyncing, Online: true, LastOperation: op},
			want: []string{EventSyncStarted, EventOperationUpdated, EventSyncStatus},
		},
		{
			name: "same operation state",
			prev: &status.Snapshot{Phase: status.PhaseSyncing, LastOperation: op},
			next: status.Snapshot{Phase: status.PhaseSyncing, LastOperation: &status.OperationState{ID: "op-1", Status: "in_flight", Attempts: 1}},
			want: []string{EventSyncStatus},
		},
		{
			name: "pass completes",
			prev: &status.Snapshot{Phase: status.PhaseSyncing},
			next: status.Snapshot{Phase: status.PhaseIdle},
			want: []string{EventSyncCompleted, EventSyncStatus},
		},
		{
			name: "pass leaves failures",
			prev: &status.Snapshot{Phase: status.PhaseSyncing},
			next: status.Snapshot{Phase: status.PhaseError, Failed: 1},
			want: []string{EventSyncFailed, EventSyncStatus},
		},
		{
			name: "goes offline",
			prev: &status.Snapshot{Phase: status.PhaseIdle, Online: true},
			next: status.Snapshot{Phase: status.PhaseIdle, Online: false},
			want: []string{EventConnectivityChanged, EventSyncStatus},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eventTypes(snapshotEvents(tt.prev, tt.next))
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

// =====================================================
// WebSocket
// =====================================================

func TestWebSocket_InitialStatus(t *testing.T) {
	env := setupTestEnv(t, true)
	conn := env.dial(t)

	msg := readUntil(t, conn, ofType(EventSyncStatus))
	var snap status.Snapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if !snap.Online {
		t.Error("Expected online snapshot")
	}
}

func TestWebSocket_ConnectivityEvent(t *testing.T) {
	env := setupTestEnv(t, true)
	conn := env.dial(t)
	readUntil(t, conn, ofType(EventSyncStatus))

	env.svc.SetOnline(false)

	msg := readUntil(t, conn, ofType(EventConnectivityChanged))
	var data map[string]bool
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if data["online"] {
		t.Error("Expected offline event")
	}
}

func TestWebSocket_SubscribeFilters(t *testing.T) {
	env := setupTestEnv(t, true)
	conn := env.dial(t)
	readUntil(t, conn, ofType(EventSyncStatus))

	if err := conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventConnectivityChanged},
	}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	readUntil(t, conn, func(env rawEnvelope) bool { return env.Action == "subscribe_ack" })

	env.svc.SetOnline(false)

	// Status events are filtered out, so the next message is the transition.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg rawEnvelope
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if msg.Type != EventConnectivityChanged {
		t.Errorf("Expected %s, got %q", EventConnectivityChanged, msg.Type)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	env := setupTestEnv(t, true)
	conn := env.dial(t)

	if err := conn.WriteJSON(map[string]string{"action": "ping"}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	readUntil(t, conn, func(env rawEnvelope) bool { return env.Action == "pong" })
}

func TestWebSocket_Disconnect(t *testing.T) {
	env := setupTestEnv(t, true)
	conn := env.dial(t)
	readUntil(t, conn, ofType(EventSyncStatus))

	if env.hub.Clients() != 1 {
		t.Fatalf("Expected 1 client, got %d", env.hub.Clients())
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for env.hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Client was not unregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
