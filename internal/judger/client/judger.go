// Package client is the worker's controller-facing half: signed login, the
// persistent JSON-RPC session, the status-report ticker, and the glue that
// turns CreateJudge assignments into executor pipelines.
package client

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hengoj/heng/internal/judger/executor"
	"github.com/hengoj/heng/internal/protocol"
)

const sendQueueSize = 4096

const defaultReportIntervalMS = 1000

// ErrDisconnected is returned by wsrpc when the session is gone.
var ErrDisconnected = errors.New("controller session disconnected")

// ErrRPCTimeout is returned by wsrpc when no response arrives in time.
var ErrRPCTimeout = errors.New("rpc timed out")

// Judger is the worker-side session state shared by the read loop, the
// write forwarder, the report ticker, and every in-flight task.
type Judger struct {
	executor *executor.Module

	sendCh chan *protocol.Frame
	seq    atomic.Uint32
	closed chan struct{}

	pendingMu sync.Mutex
	pending   map[uint32]chan *protocol.ResponseBody

	rpcTimeout     time.Duration
	reportInterval atomic.Uint64 // milliseconds

	pendingCount   atomic.Uint32
	preparingCount atomic.Uint32
	judgingCount   atomic.Uint32
	finishedCount  atomic.Uint32

	logger *log.Logger
}

func NewJudger(exec *executor.Module, rpcTimeout time.Duration) *Judger {
	j := &Judger{
		executor:   exec,
		sendCh:     make(chan *protocol.Frame, sendQueueSize),
		closed:     make(chan struct{}),
		pending:    make(map[uint32]chan *protocol.ResponseBody),
		rpcTimeout: rpcTimeout,
		logger:     log.New(log.Writer(), "[Judger] ", log.LstdFlags),
	}
	j.reportInterval.Store(defaultReportIntervalMS)
	return j
}

// SendQueue is drained by the connection's write forwarder.
func (j *Judger) SendQueue() <-chan *protocol.Frame { return j.sendCh }

// Closed resolves when the session has shut down.
func (j *Judger) Closed() <-chan struct{} { return j.closed }

// Shutdown wakes every outstanding RPC with a disconnect error.
func (j *Judger) Shutdown() {
	select {
	case <-j.closed:
		return
	default:
	}
	close(j.closed)

	j.pendingMu.Lock()
	pending := j.pending
	j.pending = make(map[uint32]chan *protocol.ResponseBody)
	j.pendingMu.Unlock()

	for _, reply := range pending {
		close(reply)
	}
}

func (j *Judger) nextSeq() uint32 {
	for {
		seq := j.seq.Add(1)
		if seq != 0 {
			return seq
		}
	}
}

func (j *Judger) enqueue(frame *protocol.Frame) error {
	select {
	case j.sendCh <- frame:
		return nil
	case <-j.closed:
		return ErrDisconnected
	}
}

// wsrpc performs one outbound RPC against the controller.
func (j *Judger) wsrpc(method string, args any) (*protocol.ResponseBody, error) {
	seq := j.nextSeq()
	frame, err := protocol.NewRequestFrame(seq, method, args)
	if err != nil {
		return nil, err
	}

	reply := make(chan *protocol.ResponseBody, 1)
	j.pendingMu.Lock()
	j.pending[seq] = reply
	j.pendingMu.Unlock()

	if err := j.enqueue(frame); err != nil {
		j.dropPending(seq)
		return nil, err
	}

	timer := time.NewTimer(j.rpcTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-reply:
		if !ok {
			return nil, ErrDisconnected
		}
		return res, nil
	case <-timer.C:
		j.dropPending(seq)
		return nil, fmt.Errorf("seq %d: %w", seq, ErrRPCTimeout)
	case <-j.closed:
		j.dropPending(seq)
		return nil, ErrDisconnected
	}
}

func (j *Judger) dropPending(seq uint32) {
	j.pendingMu.Lock()
	delete(j.pending, seq)
	j.pendingMu.Unlock()
}

// HandleFrame dispatches one incoming frame. Requests run on their own
// goroutines; responses settle the pending-call table inline.
func (j *Judger) HandleFrame(frame *protocol.Frame) {
	switch {
	case frame.IsRequest():
		go j.handleRequest(frame)
	case frame.IsResponse():
		j.handleResponse(frame)
	default:
		j.logger.Printf("drop frame with unknown type %q", frame.Type)
	}
}

func (j *Judger) handleResponse(frame *protocol.Frame) {
	body, err := frame.Response()
	if err != nil {
		j.logger.Printf("seq %d: bad response body: %v", frame.Seq, err)
		return
	}

	j.pendingMu.Lock()
	reply, ok := j.pending[frame.Seq]
	if ok {
		delete(j.pending, frame.Seq)
	}
	j.pendingMu.Unlock()

	if !ok {
		j.logger.Printf("seq %d: no callback waiting for this response", frame.Seq)
		return
	}
	reply <- body
}

func (j *Judger) handleRequest(frame *protocol.Frame) {
	body, err := frame.Request()
	if err != nil {
		j.logger.Printf("seq %d: bad request body: %v", frame.Seq, err)
		j.reply(protocol.NewErrorFrame(frame.Seq, protocol.NewError(protocol.ErrInvalidRequest, "bad request body")))
		return
	}

	switch body.Method {
	case protocol.MethodCreateJudge:
		j.handleCreateJudge(frame.Seq, body.Args)
	case protocol.MethodControl:
		j.handleControl(frame.Seq, body.Args)
	default:
		j.logger.Printf("seq %d: unexpected method %q from controller", frame.Seq, body.Method)
		j.reply(protocol.NewErrorFrame(frame.Seq, protocol.NewError(protocol.ErrNotSupported, "unknown method %q", body.Method)))
	}
}

func (j *Judger) reply(frame *protocol.Frame) {
	if err := j.enqueue(frame); err != nil {
		j.logger.Printf("seq %d: reply dropped: %v", frame.Seq, err)
	}
}

func (j *Judger) replyNull(seq uint32) {
	frame, err := protocol.NewOutputFrame(seq, nil)
	if err != nil {
		return
	}
	j.reply(frame)
}

// handleCreateJudge acknowledges the assignment immediately and runs the
// pipeline on its own goroutine.
func (j *Judger) handleCreateJudge(seq uint32, rawArgs json.RawMessage) {
	var args protocol.CreateJudgeArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		j.reply(protocol.NewErrorFrame(seq, protocol.NewError(protocol.ErrInvalidRequest, "bad CreateJudge args")))
		return
	}
	if args.ID == "" {
		j.reply(protocol.NewErrorFrame(seq, protocol.NewError(protocol.ErrInvalidRequest, "missing judge id")))
		return
	}

	j.replyNull(seq)
	j.pendingCount.Add(1)
	j.updateJudge(args.ID, protocol.StateConfirmed)

	go j.runPipeline(&args)
}

func (j *Judger) runPipeline(args *protocol.CreateJudgeArgs) {
	stage := protocol.StatePending

	onState := func(state protocol.JudgeState) {
		switch state {
		case protocol.StatePreparing:
			j.pendingCount.Add(^uint32(0))
			j.preparingCount.Add(1)
		case protocol.StateJudging:
			j.preparingCount.Add(^uint32(0))
			j.judgingCount.Add(1)
		}
		stage = state
		j.updateJudge(args.ID, state)
	}

	result, err := j.executor.Exec(args, onState)
	if err != nil {
		j.logger.Printf("judge %s failed: %v", args.ID, err)
		result = &protocol.JudgeResult{
			Cases: []protocol.JudgeCaseResult{{Kind: protocol.SystemError}},
		}
	}

	switch stage {
	case protocol.StatePending:
		j.pendingCount.Add(^uint32(0))
	case protocol.StatePreparing:
		j.preparingCount.Add(^uint32(0))
	case protocol.StateJudging:
		j.judgingCount.Add(^uint32(0))
	}
	j.finishedCount.Add(1)
	j.updateJudge(args.ID, protocol.StateFinished)

	if err := j.finishJudge(args.ID, result); err != nil {
		j.logger.Printf("judge %s: finish delivery failed: %v", args.ID, err)
	}
}

func (j *Judger) updateJudge(id string, state protocol.JudgeState) {
	go func() {
		res, err := j.wsrpc(protocol.MethodUpdateJudges, []protocol.UpdateJudgeArgs{{ID: id, State: state}})
		if err != nil {
			j.logger.Printf("judge %s: update %s failed: %v", id, state, err)
			return
		}
		if res.Err != nil {
			j.logger.Printf("judge %s: update %s rejected: %v", id, state, res.Err)
		}
	}()
}

func (j *Judger) finishJudge(id string, result *protocol.JudgeResult) error {
	res, err := j.wsrpc(protocol.MethodFinishJudges, []protocol.FinishJudgeArgs{{ID: id, Result: result}})
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// handleControl merges partial settings and replies with the full set.
func (j *Judger) handleControl(seq uint32, rawArgs json.RawMessage) {
	var settings *protocol.PartialConnectionSettings
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &settings); err != nil {
			j.reply(protocol.NewErrorFrame(seq, protocol.NewError(protocol.ErrInvalidRequest, "bad Control args")))
			return
		}
	}
	if settings != nil && settings.StatusReportInterval != nil {
		j.reportInterval.Store(*settings.StatusReportInterval)
	}

	current := protocol.ConnectionSettings{StatusReportInterval: j.reportInterval.Load()}
	frame, err := protocol.NewOutputFrame(seq, current)
	if err != nil {
		return
	}
	j.reply(frame)
}

// Status snapshots the task counters.
func (j *Judger) Status() protocol.JudgeStatus {
	return protocol.JudgeStatus{
		Pending:   j.pendingCount.Load(),
		Preparing: j.preparingCount.Load(),
		Judging:   j.judgingCount.Load(),
		Finished:  j.finishedCount.Load(),
	}
}

// ReportStatusLoop posts the counter snapshot every report interval until
// the session closes.
func (j *Judger) ReportStatusLoop() {
	for {
		interval := time.Duration(j.reportInterval.Load()) * time.Millisecond

		select {
		case <-time.After(interval):
		case <-j.closed:
			return
		}

		status := j.Status()
		res, err := j.wsrpc(protocol.MethodReportStatus, protocol.ReportStatusArgs{
			CollectTime:    time.Now().UTC(),
			NextReportTime: time.Now().UTC().Add(interval),
			Report:         &status,
		})
		switch {
		case err != nil:
			j.logger.Printf("report status failed: %v", err)
		case res.Err != nil:
			j.logger.Printf("report status rejected: %v", res.Err)
		}
	}
}

func nonce() string {
	var buf [16]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func timestampMS() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
