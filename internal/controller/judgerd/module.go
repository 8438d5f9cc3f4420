// Package judgerd is the controller-side judger fabric: the registry of
// known workers, their live sessions, the slot queue, and the dispatcher
// that assigns judge tasks to free capacity.
package judgerd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hengoj/heng/internal/controller/config"
	"github.com/hengoj/heng/internal/metrics"
	"github.com/hengoj/heng/internal/protocol"
)

var (
	// ErrNotRegistered means the websocket token is unknown or expired.
	ErrNotRegistered = errors.New("judger is not registered")
	// ErrAlreadyConnected means the token already has a session.
	ErrAlreadyConnected = errors.New("judger is already connected")
)

// Task is one judge submission from the controller's point of view: the
// assignment payload plus the two outbound callback sinks.
type Task struct {
	ID       string
	Args     *protocol.CreateJudgeArgs
	OnUpdate func(protocol.JudgeState)
	OnFinish func(*protocol.JudgeResult)
}

// Module owns every Judger record. Slot-queue entries and sessions refer
// back into it by token; removing the record is what invalidates them.
type Module struct {
	tokenTTL   time.Duration
	rpcTimeout time.Duration

	mu      sync.RWMutex
	judgers map[string]*Judger

	slots  *SlotQueue
	logger *log.Logger
}

func New(cfg *config.Config) *Module {
	return &Module{
		tokenTTL:   time.Duration(cfg.Judger.TokenTTL) * time.Millisecond,
		rpcTimeout: time.Duration(cfg.Judger.RPCTimeout) * time.Millisecond,
		judgers:    make(map[string]*Judger),
		slots:      NewSlotQueue(),
		logger:     log.New(log.Writer(), "[Judgerd] ", log.LstdFlags),
	}
}

// Register mints a fresh token for a worker and arms the TTL timer. If the
// websocket never attaches, the timer evicts the record.
func (m *Module) Register(info Info) string {
	token := uuid.New().String()
	j := newJudger(token, info)

	m.mu.Lock()
	m.judgers[token] = j
	m.mu.Unlock()

	j.mu.Lock()
	j.ttlTimer = time.AfterFunc(m.tokenTTL, func() { m.expireToken(j) })
	j.mu.Unlock()

	m.logger.Printf("registered judger %.8s (max_task_count=%d)", token, info.MaxTaskCount)
	return token
}

// expireToken removes a judger whose websocket never attached. The state
// check and the timer cancellation in Attach share j.mu, so a judger that
// made it Online can never be evicted here.
func (m *Module) expireToken(j *Judger) {
	j.mu.Lock()
	if j.state != StateRegistered {
		j.mu.Unlock()
		return
	}
	j.state = StateOffline
	j.mu.Unlock()

	m.removeJudger(j.token)
	m.logger.Printf("token %.8s expired before websocket attach", j.token)
}

func (m *Module) removeJudger(token string) {
	m.mu.Lock()
	delete(m.judgers, token)
	m.mu.Unlock()
}

// Find resolves a token to its judger record.
func (m *Module) Find(token string) *Judger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.judgers[token]
}

// Attach upgrades a registered judger to Online: cancel the TTL timer and
// swap the state in one critical section, start the session, and publish
// the judger's capacity into the slot queue.
func (m *Module) Attach(token string, conn *websocket.Conn) error {
	j := m.Find(token)
	if j == nil {
		return ErrNotRegistered
	}

	j.mu.Lock()
	if j.state != StateRegistered {
		j.mu.Unlock()
		return ErrAlreadyConnected
	}
	if j.ttlTimer != nil {
		j.ttlTimer.Stop()
		j.ttlTimer = nil
	}
	j.state = StateOnline
	sess := newSession(m, j, conn, m.rpcTimeout)
	j.session = sess
	j.mu.Unlock()

	sess.start()

	for i := uint32(0); i < j.info.MaxTaskCount; i++ {
		m.slots.Push(token)
	}
	metrics.JudgersOnline.Inc()
	metrics.SlotsAvailable.Add(float64(j.info.MaxTaskCount))

	m.logger.Printf("judger %.8s online, published %d slots", token, j.info.MaxTaskCount)
	return nil
}

// setOffline is called exactly once per session when its read loop ends.
// Every unfinished task on the worker fails its finish sink with a
// system-error verdict; slot entries are left to die as weak handles.
func (m *Module) setOffline(j *Judger) {
	j.mu.Lock()
	if j.state == StateOffline {
		j.mu.Unlock()
		return
	}
	wasOnline := j.state == StateOnline
	j.state = StateOffline
	j.session = nil
	j.mu.Unlock()

	m.removeJudger(j.token)
	if wasOnline {
		metrics.JudgersOnline.Dec()
	}

	orphans := j.takeAllTasks()
	if len(orphans) > 0 {
		m.logger.Printf("judger %.8s lost with %d unfinished tasks", j.token, len(orphans))
	}
	for _, sinks := range orphans {
		metrics.JudgesFailed.Inc()
		if sinks.onFinish != nil {
			sinks.onFinish(disconnectResult())
		}
	}
	m.logger.Printf("judger %.8s offline", j.token)
}

func disconnectResult() *protocol.JudgeResult {
	return &protocol.JudgeResult{
		Cases: []protocol.JudgeCaseResult{{Kind: protocol.SystemError}},
	}
}

// Schedule assigns the task to the first live slot. It blocks on the slot
// queue; dead weak handles are discarded and failed sends are retried on
// another slot. On a send failure the slot of a still-online judger is
// returned to the queue so capacity is conserved.
func (m *Module) Schedule(ctx context.Context, task *Task) error {
	for {
		token, err := m.slots.Pop(ctx)
		if err != nil {
			return err
		}
		metrics.SlotsAvailable.Dec()

		j := m.Find(token)
		if j == nil {
			continue
		}
		sess := j.currentSession()
		if sess == nil {
			continue
		}

		if !j.addTask(task.ID, taskSinks{onUpdate: task.OnUpdate, onFinish: task.OnFinish}) {
			return fmt.Errorf("task %s is already assigned to judger %.8s", task.ID, token)
		}

		res, err := sess.Call(protocol.MethodCreateJudge, task.Args)
		if err != nil || res.Err != nil {
			if _, present := j.removeTask(task.ID); !present {
				// FinishJudges raced the error path and already settled it
				return nil
			}
			if err != nil {
				m.logger.Printf("CreateJudge to %.8s failed: %v", token, err)
			} else {
				m.logger.Printf("CreateJudge to %.8s rejected: %v", token, res.Err)
			}
			if j.StateNow() == StateOnline {
				m.slots.Push(token)
				metrics.SlotsAvailable.Inc()
			}
			continue
		}

		metrics.JudgesDispatched.Inc()
		return nil
	}
}

// routeUpdates delivers worker progress to the per-task update sinks.
// Unknown ids are dropped silently: the task finished or was reassigned.
func (m *Module) routeUpdates(j *Judger, updates []protocol.UpdateJudgeArgs) {
	for _, u := range updates {
		sinks, ok := j.lookupTask(u.ID)
		if !ok || sinks.onUpdate == nil {
			continue
		}
		sinks.onUpdate(u.State)
	}
}

// routeFinishes settles tasks: the atomic removal from the task map makes
// the finish delivery exactly-once, and each settled task returns one slot
// to the queue.
func (m *Module) routeFinishes(j *Judger, finishes []protocol.FinishJudgeArgs) {
	for _, f := range finishes {
		sinks, ok := j.removeTask(f.ID)
		if !ok {
			m.logger.Printf("finish for unknown task %s on judger %.8s", f.ID, j.token)
			continue
		}
		metrics.JudgesFinished.Inc()
		if sinks.onFinish != nil {
			sinks.onFinish(f.Result)
		}
		if j.StateNow() == StateOnline {
			m.slots.Push(j.token)
			metrics.SlotsAvailable.Inc()
		}
	}
}

// Slots exposes the queue for tests and introspection.
func (m *Module) Slots() *SlotQueue { return m.slots }

// Snapshot lists the known judgers for the status endpoint.
func (m *Module) Snapshot() []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]map[string]any, 0, len(m.judgers))
	for token, j := range m.judgers {
		entry := map[string]any{
			"token":        token[:8],
			"state":        j.StateNow().String(),
			"maxTaskCount": j.info.MaxTaskCount,
			"assigned":     j.assignedCount(),
		}
		if st := j.LastStatus(); st != nil {
			entry["status"] = st
		}
		out = append(out, entry)
	}
	return out
}
