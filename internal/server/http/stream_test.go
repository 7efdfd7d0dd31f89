package http

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atp/internal/engine"
)

type sseEvent struct {
	name string
	data map[string]any
}

// readSSE parses events off the stream until the predicate says stop.
func readSSE(t *testing.T, scanner *bufio.Scanner, stop func(sseEvent) bool) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			require.NoError(t, json.Unmarshal([]byte(payload), &current.data))
		case line == "" && current.name != "":
			events = append(events, current)
			if stop(current) {
				return events
			}
			current = sseEvent{}
		}
	}
	return events
}

func TestExecuteStreamDeliversTerminalResult(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	body, err := json.Marshal(map[string]any{"code": "return 40 + 2;"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/execute/stream", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := readSSE(t, bufio.NewScanner(resp.Body), func(e sseEvent) bool {
		return e.name == "result"
	})
	require.NotEmpty(t, events)
	assert.Equal(t, "progress", events[0].name)
	last := events[len(events)-1]
	assert.Equal(t, engine.StatusCompleted, last.data["status"])
	assert.Equal(t, float64(42), last.data["result"])
}

func TestExecuteStreamStaysOpenAcrossResume(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	body, err := json.Marshal(map[string]any{
		"code": "const u = await api.crm.getUser({ id: 3 }); return u.name;",
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/execute/stream", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	events := readSSE(t, scanner, func(e sseEvent) bool { return e.name == "result" })
	paused := events[len(events)-1]
	require.Equal(t, engine.StatusPaused, paused.data["status"])
	executionID := paused.data["executionId"].(string)

	// Resume over plain HTTP; the open stream must push the outcome.
	go func() {
		time.Sleep(50 * time.Millisecond)
		ts.request(t, http.MethodPost, "/api/resume/"+executionID, token, map[string]any{
			"result": map[string]any{"name": "Grace"},
		})
	}()

	events = readSSE(t, scanner, func(e sseEvent) bool { return e.name == "result" })
	require.NotEmpty(t, events)
	final := events[len(events)-1]
	assert.Equal(t, engine.StatusCompleted, final.data["status"])
	assert.Equal(t, "Grace", final.data["result"])
}

func TestWebSocketExecuteAndResume(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/execute/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":      "execute",
		"requestId": "r1",
		"code":      "return await api.crm.getUser({ id: 9 });",
	}))
	var frame wsResponse
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "result", frame.Type)
	assert.Equal(t, "r1", frame.RequestID)
	require.NotNil(t, frame.Result)
	require.Equal(t, engine.StatusPaused, frame.Result.Status)
	require.NotNil(t, frame.Result.NeedsCallback)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":        "resume",
		"requestId":   "r2",
		"executionId": frame.Result.ExecutionID,
		"result":      map[string]any{"id": 9, "name": "Lin"},
	}))
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "result", frame.Type)
	assert.Equal(t, "r2", frame.RequestID)
	require.NotNil(t, frame.Result)
	assert.Equal(t, engine.StatusCompleted, frame.Result.Status)
}

func TestWebSocketRejectsUnknownFrames(t *testing.T) {
	ts := newTestServer(t, 0)
	_, token := ts.initSession(t)

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/execute/ws"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "teleport"}))
	var frame wsResponse
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, "badRequest", frame.Code)
}
