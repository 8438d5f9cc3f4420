package judgerd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengoj/heng/internal/controller/config"
	"github.com/hengoj/heng/internal/protocol"
)

func testConfig(tokenTTLMS uint64) *config.Config {
	return &config.Config{
		Judger: config.Judger{TokenTTL: tokenTTLMS, RPCTimeout: 2000},
	}
}

// fakeWorker drives the worker half of a session over a real websocket.
type fakeWorker struct {
	t    *testing.T
	conn *websocket.Conn
}

// attachWorker registers a judger, upgrades a websocket against the
// module, and returns the worker-side connection.
func attachWorker(t *testing.T, m *Module, maxTasks uint32) (string, *fakeWorker) {
	t.Helper()

	token := m.Register(Info{MaxTaskCount: maxTasks})

	upgrader := websocket.Upgrader{}
	attached := make(chan error, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		attached <- m.Attach(token, conn)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, <-attached)
	return token, &fakeWorker{t: t, conn: conn}
}

func (w *fakeWorker) readFrame() *protocol.Frame {
	w.t.Helper()
	w.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := w.conn.ReadMessage()
	require.NoError(w.t, err)
	var frame protocol.Frame
	require.NoError(w.t, json.Unmarshal(payload, &frame))
	return &frame
}

// expectRequest reads frames until it sees a request with the method.
func (w *fakeWorker) expectRequest(method string) (*protocol.Frame, *protocol.RequestBody) {
	w.t.Helper()
	for {
		frame := w.readFrame()
		if !frame.IsRequest() {
			continue
		}
		body, err := frame.Request()
		require.NoError(w.t, err)
		if body.Method == method {
			return frame, body
		}
	}
}

func (w *fakeWorker) send(frame *protocol.Frame) {
	w.t.Helper()
	require.NoError(w.t, w.conn.WriteJSON(frame))
}

func (w *fakeWorker) replyNull(seq uint32) {
	frame, err := protocol.NewOutputFrame(seq, nil)
	require.NoError(w.t, err)
	w.send(frame)
}

func (w *fakeWorker) sendRequest(seq uint32, method string, args any) {
	frame, err := protocol.NewRequestFrame(seq, method, args)
	require.NoError(w.t, err)
	frame.Seq = seq
	w.send(frame)
}

func simpleTask(id string, onFinish func(*protocol.JudgeResult)) *Task {
	return &Task{
		ID: id,
		Args: &protocol.CreateJudgeArgs{
			ID:    id,
			Judge: protocol.Judge{Type: protocol.JudgeTypeNormal},
			Test:  protocol.Test{Policy: protocol.TestPolicyAll},
		},
		OnFinish: onFinish,
	}
}

func TestTokenTTLExpiry(t *testing.T) {
	m := New(testConfig(30))
	token := m.Register(Info{MaxTaskCount: 1})
	require.NotNil(t, m.Find(token))

	assert.Eventually(t, func() bool { return m.Find(token) == nil },
		time.Second, 10*time.Millisecond, "registered judger should be evicted after TTL")
}

func TestAttachCancelsTTL(t *testing.T) {
	m := New(testConfig(80))
	token, _ := attachWorker(t, m, 2)

	// well past the TTL, the attached judger must survive
	time.Sleep(200 * time.Millisecond)
	j := m.Find(token)
	require.NotNil(t, j, "TTL timer must not evict a live judger")
	assert.Equal(t, StateOnline, j.StateNow())
	assert.Equal(t, 2, m.Slots().Len())
}

func TestAttachUnknownToken(t *testing.T) {
	m := New(testConfig(60000))
	err := m.Attach("no-such-token", nil)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestAttachTwice(t *testing.T) {
	m := New(testConfig(60000))
	token, _ := attachWorker(t, m, 1)

	err := m.Attach(token, nil)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestScheduleDispatchAndFinish(t *testing.T) {
	m := New(testConfig(60000))
	token, worker := attachWorker(t, m, 1)

	finished := make(chan *protocol.JudgeResult, 1)
	task := simpleTask("task-1", func(r *protocol.JudgeResult) { finished <- r })

	scheduleDone := make(chan error, 1)
	go func() { scheduleDone <- m.Schedule(context.Background(), task) }()

	frame, body := worker.expectRequest(protocol.MethodCreateJudge)
	var args protocol.CreateJudgeArgs
	require.NoError(t, json.Unmarshal(body.Args, &args))
	assert.Equal(t, "task-1", args.ID)
	worker.replyNull(frame.Seq)

	require.NoError(t, <-scheduleDone)

	// slot is consumed while the task is in flight
	assert.Equal(t, 0, m.Slots().Len())
	assert.Equal(t, 1, m.Find(token).assignedCount())

	result := &protocol.JudgeResult{Cases: []protocol.JudgeCaseResult{{Kind: protocol.Accepted, Time: 5, Memory: 100}}}
	worker.sendRequest(900, protocol.MethodFinishJudges, []protocol.FinishJudgeArgs{{ID: "task-1", Result: result}})

	select {
	case got := <-finished:
		require.Len(t, got.Cases, 1)
		assert.Equal(t, protocol.Accepted, got.Cases[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("finish sink was not invoked")
	}

	// capacity restored, task unmapped
	assert.Eventually(t, func() bool { return m.Slots().Len() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.Find(token).assignedCount())

	// worker got the null ack for FinishJudges
	respFrame := worker.readFrame()
	assert.True(t, respFrame.IsResponse())
	assert.Equal(t, uint32(900), respFrame.Seq)
}

func TestFinishIsDeliveredAtMostOnce(t *testing.T) {
	m := New(testConfig(60000))
	_, worker := attachWorker(t, m, 1)

	var finishCount atomic.Int32
	task := simpleTask("task-1", func(*protocol.JudgeResult) { finishCount.Add(1) })

	go m.Schedule(context.Background(), task)
	frame, _ := worker.expectRequest(protocol.MethodCreateJudge)
	worker.replyNull(frame.Seq)

	finish := []protocol.FinishJudgeArgs{{ID: "task-1", Result: &protocol.JudgeResult{}}}
	worker.sendRequest(901, protocol.MethodFinishJudges, finish)
	worker.sendRequest(902, protocol.MethodFinishJudges, finish)

	assert.Eventually(t, func() bool { return finishCount.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), finishCount.Load(), "duplicate finish must be dropped")
	assert.Equal(t, 1, m.Slots().Len(), "exactly one slot returns")
}

func TestScheduleSkipsDeadSlots(t *testing.T) {
	m := New(testConfig(60000))
	_, worker := attachWorker(t, m, 1)

	// stale weak handle ahead of the live one
	m.Slots().mu.Lock()
	m.Slots().items = append([]string{"dead-token"}, m.Slots().items...)
	m.Slots().mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- m.Schedule(context.Background(), simpleTask("task-1", nil)) }()

	frame, _ := worker.expectRequest(protocol.MethodCreateJudge)
	worker.replyNull(frame.Seq)
	require.NoError(t, <-done)
}

func TestUpdateRoutesToSink(t *testing.T) {
	m := New(testConfig(60000))
	_, worker := attachWorker(t, m, 1)

	updates := make(chan protocol.JudgeState, 4)
	task := simpleTask("task-1", nil)
	task.OnUpdate = func(s protocol.JudgeState) { updates <- s }

	go m.Schedule(context.Background(), task)
	frame, _ := worker.expectRequest(protocol.MethodCreateJudge)
	worker.replyNull(frame.Seq)

	worker.sendRequest(910, protocol.MethodUpdateJudges, []protocol.UpdateJudgeArgs{
		{ID: "task-1", State: protocol.StateJudging},
		{ID: "unknown-task", State: protocol.StateJudging}, // dropped silently
	})

	select {
	case state := <-updates:
		assert.Equal(t, protocol.StateJudging, state)
	case <-time.After(time.Second):
		t.Fatal("update sink was not invoked")
	}
}

func TestDisconnectFailsInFlightTasks(t *testing.T) {
	m := New(testConfig(60000))
	token, worker := attachWorker(t, m, 1)

	finished := make(chan *protocol.JudgeResult, 1)
	task := simpleTask("task-1", func(r *protocol.JudgeResult) { finished <- r })

	go m.Schedule(context.Background(), task)
	frame, _ := worker.expectRequest(protocol.MethodCreateJudge)
	worker.replyNull(frame.Seq)

	assert.Eventually(t, func() bool {
		j := m.Find(token)
		return j != nil && j.assignedCount() == 1
	}, time.Second, 10*time.Millisecond)

	worker.conn.Close()

	select {
	case result := <-finished:
		require.Len(t, result.Cases, 1)
		assert.Equal(t, protocol.SystemError, result.Cases[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not fail the in-flight task")
	}

	assert.Eventually(t, func() bool { return m.Find(token) == nil }, time.Second, 10*time.Millisecond)
}

func TestUnknownMethodGetsNotSupported(t *testing.T) {
	m := New(testConfig(60000))
	_, worker := attachWorker(t, m, 1)

	worker.sendRequest(77, "Bogus", nil)

	frame := worker.readFrame()
	require.True(t, frame.IsResponse())
	assert.Equal(t, uint32(77), frame.Seq)

	body, err := frame.Response()
	require.NoError(t, err)
	require.NotNil(t, body.Err)
	assert.Equal(t, protocol.ErrNotSupported, body.Err.Code)
}

func TestSlotConservation(t *testing.T) {
	m := New(testConfig(60000))
	token, worker := attachWorker(t, m, 3)

	assert.Equal(t, 3, m.Slots().Len())

	// dispatch two tasks
	for _, id := range []string{"t1", "t2"} {
		go m.Schedule(context.Background(), simpleTask(id, nil))
		frame, _ := worker.expectRequest(protocol.MethodCreateJudge)
		worker.replyNull(frame.Seq)
	}

	j := m.Find(token)
	assert.Eventually(t, func() bool {
		return m.Slots().Len()+j.assignedCount() == 3
	}, time.Second, 10*time.Millisecond, "queued slots plus assignments must equal capacity")

	// finish one
	worker.sendRequest(920, protocol.MethodFinishJudges, []protocol.FinishJudgeArgs{{ID: "t1", Result: &protocol.JudgeResult{}}})
	assert.Eventually(t, func() bool {
		return m.Slots().Len() == 2 && j.assignedCount() == 1
	}, time.Second, 10*time.Millisecond)
}
