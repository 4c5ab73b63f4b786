package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/auth"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/log"
)

// replay requests /events with an already-cancelled context, so the handler
// writes the buffered events that pass the filter and returns.
func replay(t *testing.T, h http.Handler, target, lastEventID string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+tokAlice)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	return rec.Body.String()
}

func TestEventsStreamFiltersByBotAndType(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.BotKilled, map[string]any{"bot_id": "b1"})
	hub.Publish(events.JobClaimed, map[string]any{"bot_id": "b2", "job_id": "j1"})
	hub.Publish(events.SystemPower, map[string]any{"on": false})
	hub.Publish(events.JobClaimed, map[string]any{"bot_id": "b1", "job_id": "j2"})

	cfg := Config{Tokens: []auth.TokenConfig{{Actor: "alice", Token: tokAlice, Scopes: []string{auth.ScopeEventsRO}}}}
	h := New(cfg, Services{Events: hub}, log.Discard()).Handler()

	all := replay(t, h, "/events", "")
	for _, id := range []string{"id: 1\n", "id: 2\n", "id: 3\n", "id: 4\n"} {
		assert.Contains(t, all, id)
	}

	got := replay(t, h, "/events?bot_id=b1&type=bot.,job.", "")
	assert.Contains(t, got, "id: 1\nevent: bot.killed\n")
	assert.Contains(t, got, "id: 4\nevent: job.claimed\n")
	assert.NotContains(t, got, "id: 2\n")
	assert.NotContains(t, got, "id: 3\n")

	got = replay(t, h, "/events?bot_id=b1", "1")
	assert.NotContains(t, got, "id: 1\n")
	assert.NotContains(t, got, "id: 2\n")
	assert.Contains(t, got, "id: 3\nevent: system.power\n", "fleet-wide events reach bot-scoped streams")
	assert.Contains(t, got, "id: 4\n")

	got = replay(t, h, "/events?since=3", "")
	assert.NotContains(t, got, "id: 3\n")
	assert.Contains(t, got, "id: 4\n")

	got = replay(t, h, "/events?since=3", "0")
	assert.Contains(t, got, "id: 1\n", "Last-Event-ID wins over since")
}
