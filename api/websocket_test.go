package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/events"
)

func dialStream(t *testing.T, f *apiFixture, firm string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/executions/stream?token=" + f.token(t, firm)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestExecutionStream(t *testing.T) {
	f := newAPIFixture(t)
	conn := dialStream(t, f, "firm-1")

	ev := events.ExecutionEvent{
		Type:        events.EventExecutionStarted,
		FirmID:      "firm-1",
		ExecutionID: "ex-1",
		IncidentID:  "inc-1",
		PlaybookID:  "pb-1",
		Status:      "running",
	}
	// The hub delivers asynchronously to the registered client; retry
	// briefly in case the read side registers after publish.
	require.Eventually(t, func() bool {
		_ = f.hub.Publish(context.Background(), ev)
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		var got events.ExecutionEvent
		if err := json.Unmarshal(payload, &got); err != nil {
			return false
		}
		return got.ExecutionID == "ex-1" && got.Type == events.EventExecutionStarted
	}, 5*time.Second, 50*time.Millisecond)
}

func TestExecutionStreamIsFirmScoped(t *testing.T) {
	f := newAPIFixture(t)
	conn := dialStream(t, f, "firm-2")

	require.NoError(t, f.hub.Publish(context.Background(), events.ExecutionEvent{
		Type:        events.EventStepCompleted,
		FirmID:      "firm-1",
		ExecutionID: "ex-1",
	}))

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "another firm's events must not arrive")
}

func TestExecutionStreamRequiresToken(t *testing.T) {
	f := newAPIFixture(t)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/executions/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestExecutionEventsReachStream(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "firm-1")
	conn := dialStream(t, f, "firm-1")

	created := createPlaybookViaAPI(t, f, token, "Ransomware Response")
	inc := reportIncidentViaAPI(t, f, token)

	resp := f.request(t, http.MethodPost, "/api/v1/executions", token, map[string]any{
		"incident_id": inc.ID,
		"playbook_id": created.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var got events.ExecutionEvent
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, events.EventExecutionStarted, got.Type)
	assert.Equal(t, inc.ID, got.IncidentID)
}
