package serve

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/shellpilot/pkg/approval"
	"github.com/holon-run/shellpilot/pkg/metrics"
	"github.com/holon-run/shellpilot/pkg/runtime"
	"github.com/holon-run/shellpilot/pkg/task"
)

func newTestHTTP(t *testing.T) (*httptest.Server, *fakeController, *Broadcaster, *metrics.Metrics) {
	t.Helper()
	ctrl := &fakeController{
		reply:  runtime.Reply{TaskID: 4, State: "running"},
		tasks:  []task.Task{{ID: 4, Kind: "prompt", State: task.StateRunning}},
		policy: approval.AutoApprove(),
	}
	m := metrics.New()
	bc := NewBroadcaster(8, m)
	srv := NewHTTPServer(HTTPOptions{
		Controller: ctrl,
		Methods:    NewMethods(ctrl, nil),
		Events:     bc,
		Metrics:    m,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, ctrl, bc, m
}

func TestHealthAndTasks(t *testing.T) {
	ts, _, _, _ := newTestHTTP(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["tasks"])

	resp2, err := http.Get(ts.URL + "/v1/tasks")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var list TaskListResult
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, task.ID(4), list.Tasks[0].ID)
	assert.Equal(t, approval.ModeAutoApprove, list.Policy.Mode)
}

func TestRPCOverHTTP(t *testing.T) {
	ts, ctrl, _, _ := newTestHTTP(t)

	post := func(body string) *http.Response {
		resp, err := http.Post(ts.URL+"/v1/rpc", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"jsonrpc":"2.0","id":9,"method":"prompt/submit","params":{"text":"df -h"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rpcResp JSONRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.Nil(t, rpcResp.Error)
	assert.Equal(t, float64(9), rpcResp.ID)
	assert.JSONEq(t, `{"task_id":4,"state":"running"}`, string(rpcResp.Result))

	resp = post(`{"jsonrpc":"2.0","method":"task/cancel","params":{"task_id":4}}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = post(``)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, []runtime.Command{
		runtime.SubmitPrompt{Text: "df -h"},
		runtime.CancelTask{TaskID: 4},
	}, ctrl.commands())
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _, m := newTestHTTP(t)
	m.TaskStarted()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "shellpilot_tasks_active 1")
}

func TestWebsocketStream(t *testing.T) {
	ts, ctrl, bc, m := newTestHTTP(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return bc.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamClients))

	bc.Publish(note("event/task.started"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "event/task.started", n.Method)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":"w1","method":"approval/setPolicy","params":{"policy":"deny"}}`)))
	var resp JSONRPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "w1", resp.ID)
	assert.Nil(t, resp.Error)
	assert.Equal(t, []runtime.Command{runtime.SetApprovalPolicy{Policy: approval.AutoDeny()}}, ctrl.commands())

	bc.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.StreamClients) == 0 }, 2*time.Second, 5*time.Millisecond)
}
