package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSessionEvents(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		w.Header().Set("content-type", "text/event-stream")
		w.Header().Set("x-request-id", "req_stream")
		_, _ = io.WriteString(w, ": connected\n\nevent: session.event\nid: evt_1\ndata: {\"type\":\"TASK\"}\n\nid: evt_2\ndata: plain\n\n")
	})

	s, err := c.StreamSessionEvents(context.Background(), "sess 1", SessionEventsQuery{EventType: "TASK"}, StreamOptions{LastEventID: "evt_0"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, "req_stream", s.RequestID)
	assert.Equal(t, 200, s.Status)

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "session.event", ev.Event)
	require.NotNil(t, ev.ID)
	assert.Equal(t, "evt_1", *ev.ID)
	assert.Equal(t, map[string]any{"type": "TASK"}, ev.Data)

	ev, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", ev.Event)
	assert.Equal(t, "plain", ev.Data)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	seen := api.requests()
	require.Len(t, seen, 1)
	assert.Equal(t, "/sessions/sess%201/events/stream?eventType=TASK", seen[0].URI)
	assert.Equal(t, "text/event-stream", seen[0].Header.Get("accept"))
	assert.Equal(t, "evt_0", seen[0].Header.Get("last-event-id"))
	assert.Equal(t, "tenant_1", seen[0].Header.Get("x-proxy-tenant-id"))
	assert.Empty(t, seen[0].Header.Get("x-idempotency-key"))
}

func TestStreamPublicAgentCards_Query(t *testing.T) {
	c, api := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		_, _ = io.WriteString(w, "data: {\"agentId\":\"agt_1\"}\n\n")
	})
	side := false
	price := int64(250)
	s, err := c.StreamPublicAgentCards(context.Background(), AgentCardsQuery{
		Capability:        "translate",
		ToolSideEffecting: &side,
		ToolMaxPriceCents: &price,
	}, StreamOptions{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var events []map[string]any
	for ev, err := range s.All() {
		require.NoError(t, err)
		events = append(events, ev.Data.(map[string]any))
	}
	assert.Equal(t, []map[string]any{{"agentId": "agt_1"}}, events)
	assert.Equal(t, "/public/agent-cards/stream?capability=translate&toolMaxPriceCents=250&toolSideEffecting=false", api.requests()[0].URI)
}

func TestStream_ErrorStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
		w.Header().Set("x-request-id", "req_denied")
		w.WriteHeader(403)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "FORBIDDEN", "error": "no access"})
	})
	_, err := c.StreamSessionEvents(context.Background(), "sess_1", SessionEventsQuery{}, StreamOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Status)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
	assert.Equal(t, "req_denied", apiErr.RequestID)
}

func TestStream_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := c.StreamSessionEvents(context.Background(), "sess_1", SessionEventsQuery{}, StreamOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded), err)
}
