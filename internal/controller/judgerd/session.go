package judgerd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hengoj/heng/internal/protocol"
)

const (
	sendQueueSize = 4096

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// ErrDisconnected is returned by Call when the session is gone before or
// while the RPC is outstanding.
var ErrDisconnected = errors.New("judger session disconnected")

// ErrRPCTimeout is returned by Call when no response arrives in time.
var ErrRPCTimeout = errors.New("rpc timed out")

// Session is the live duplex channel to one judger. All writers (RPC
// callers, response emitters) serialize through the send channel and a
// single forwarder goroutine.
type Session struct {
	judger *Judger
	module *Module
	conn   *websocket.Conn

	seq     atomic.Uint32
	sendCh  chan *protocol.Frame
	closed  chan struct{}
	closeMu sync.Once

	pendingMu sync.Mutex
	pending   map[uint32]chan *protocol.ResponseBody

	rpcTimeout time.Duration
	logger     *log.Logger
}

func newSession(module *Module, judger *Judger, conn *websocket.Conn, rpcTimeout time.Duration) *Session {
	return &Session{
		judger:     judger,
		module:     module,
		conn:       conn,
		sendCh:     make(chan *protocol.Frame, sendQueueSize),
		closed:     make(chan struct{}),
		pending:    make(map[uint32]chan *protocol.ResponseBody),
		rpcTimeout: rpcTimeout,
		logger:     log.New(log.Writer(), fmt.Sprintf("[Session:%.8s] ", judger.token), log.LstdFlags),
	}
}

// start spawns the write forwarder and the read loop.
func (s *Session) start() {
	go s.writeLoop()
	go s.readLoop()
}

// nextSeq produces the next sequence number, wrapping and skipping zero.
func (s *Session) nextSeq() uint32 {
	for {
		seq := s.seq.Add(1)
		if seq != 0 {
			return seq
		}
	}
}

// enqueue places a frame on the send queue. It fails when the session is
// closed or the queue is full (a stalled peer).
func (s *Session) enqueue(frame *protocol.Frame) error {
	select {
	case <-s.closed:
		return ErrDisconnected
	default:
	}
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.closed:
		return ErrDisconnected
	default:
		return fmt.Errorf("send queue full: %w", ErrDisconnected)
	}
}

// Call performs one outbound RPC: register a waiter, enqueue the frame, and
// race the reply against the timeout.
func (s *Session) Call(method string, args any) (*protocol.ResponseBody, error) {
	seq := s.nextSeq()
	frame, err := protocol.NewRequestFrame(seq, method, args)
	if err != nil {
		return nil, err
	}

	reply := make(chan *protocol.ResponseBody, 1)
	s.pendingMu.Lock()
	s.pending[seq] = reply
	s.pendingMu.Unlock()

	if err := s.enqueue(frame); err != nil {
		s.dropPending(seq)
		return nil, err
	}

	timer := time.NewTimer(s.rpcTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-reply:
		if !ok {
			return nil, ErrDisconnected
		}
		return res, nil
	case <-timer.C:
		s.dropPending(seq)
		return nil, fmt.Errorf("seq %d: %w", seq, ErrRPCTimeout)
	case <-s.closed:
		s.dropPending(seq)
		return nil, ErrDisconnected
	}
}

func (s *Session) dropPending(seq uint32) {
	s.pendingMu.Lock()
	delete(s.pending, seq)
	s.pendingMu.Unlock()
}

// writeLoop drains the send queue into the socket. One writer per session.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Printf("write failed: %v", err)
				s.shutdown()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Printf("ping failed: %v", err)
				s.shutdown()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop parses incoming frames and dispatches. Requests are handled on
// their own goroutines so the read loop never blocks; responses resolve the
// pending-call table.
func (s *Session) readLoop() {
	defer s.module.setOffline(s.judger)
	defer s.shutdown()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("read failed: %v", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind != websocket.TextMessage {
			s.logger.Printf("drop non-text ws message")
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.logger.Printf("message format error, closing session: %v (payload=%q)", err, payload)
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, "message format error"),
				time.Now().Add(writeWait))
			return
		}

		switch {
		case frame.IsRequest():
			go s.handleRequest(&frame)
		case frame.IsResponse():
			s.handleResponse(&frame)
		default:
			s.logger.Printf("drop frame with unknown type %q", frame.Type)
		}
	}
}

func (s *Session) handleResponse(frame *protocol.Frame) {
	body, err := frame.Response()
	if err != nil {
		s.logger.Printf("seq %d: bad response body: %v", frame.Seq, err)
		return
	}

	s.pendingMu.Lock()
	reply, ok := s.pending[frame.Seq]
	if ok {
		delete(s.pending, frame.Seq)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Printf("seq %d: no callback waiting for this response", frame.Seq)
		return
	}
	reply <- body
}

func (s *Session) handleRequest(frame *protocol.Frame) {
	body, err := frame.Request()
	if err != nil {
		s.logger.Printf("seq %d: bad request body: %v", frame.Seq, err)
		s.reply(protocol.NewErrorFrame(frame.Seq, protocol.NewError(protocol.ErrInvalidRequest, "bad request body")))
		return
	}

	switch body.Method {
	case protocol.MethodReportStatus:
		s.handleReportStatus(frame.Seq, body.Args)
	case protocol.MethodUpdateJudges:
		s.handleUpdateJudges(frame.Seq, body.Args)
	case protocol.MethodFinishJudges:
		s.handleFinishJudges(frame.Seq, body.Args)
	default:
		s.logger.Printf("seq %d: unknown method %q", frame.Seq, body.Method)
		s.reply(protocol.NewErrorFrame(frame.Seq, protocol.NewError(protocol.ErrNotSupported, "unknown method %q", body.Method)))
	}
}

func (s *Session) reply(frame *protocol.Frame) {
	if err := s.enqueue(frame); err != nil {
		s.logger.Printf("seq %d: reply dropped: %v", frame.Seq, err)
	}
}

func (s *Session) replyNull(seq uint32) {
	frame, err := protocol.NewOutputFrame(seq, nil)
	if err != nil {
		s.logger.Printf("seq %d: build reply: %v", seq, err)
		return
	}
	s.reply(frame)
}

func (s *Session) handleReportStatus(seq uint32, args json.RawMessage) {
	var report protocol.ReportStatusArgs
	if err := json.Unmarshal(args, &report); err != nil {
		s.reply(protocol.NewErrorFrame(seq, protocol.NewError(protocol.ErrInvalidRequest, "bad ReportStatus args")))
		return
	}
	s.judger.mu.Lock()
	s.judger.lastStatus = report.Report
	s.judger.mu.Unlock()
	s.replyNull(seq)
}

func (s *Session) handleUpdateJudges(seq uint32, args json.RawMessage) {
	var updates []protocol.UpdateJudgeArgs
	if err := json.Unmarshal(args, &updates); err != nil {
		s.reply(protocol.NewErrorFrame(seq, protocol.NewError(protocol.ErrInvalidRequest, "bad UpdateJudges args")))
		return
	}
	s.module.routeUpdates(s.judger, updates)
	s.replyNull(seq)
}

func (s *Session) handleFinishJudges(seq uint32, args json.RawMessage) {
	var finishes []protocol.FinishJudgeArgs
	if err := json.Unmarshal(args, &finishes); err != nil {
		s.reply(protocol.NewErrorFrame(seq, protocol.NewError(protocol.ErrInvalidRequest, "bad FinishJudges args")))
		return
	}
	s.module.routeFinishes(s.judger, finishes)
	s.replyNull(seq)
}

// shutdown closes the socket and wakes every outstanding RPC caller with a
// disconnect error.
func (s *Session) shutdown() {
	s.closeMu.Do(func() {
		close(s.closed)
		s.conn.Close()

		s.pendingMu.Lock()
		pending := s.pending
		s.pending = make(map[uint32]chan *protocol.ResponseBody)
		s.pendingMu.Unlock()

		for _, reply := range pending {
			close(reply)
		}
	})
}
