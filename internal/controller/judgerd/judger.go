package judgerd

import (
	"sync"
	"time"

	"github.com/hengoj/heng/internal/protocol"
)

// State is the lifecycle of a judger record. Only Registered→Online and
// Online→Offline happen automatically; Disabled is reserved for admin pause.
type State int

const (
	StateRegistered State = iota
	StateOnline
	StateDisabled
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateOnline:
		return "online"
	case StateDisabled:
		return "disabled"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Info is the capability a worker declared when acquiring its token.
type Info struct {
	MaxTaskCount uint32
	Name         *string
	CoreCount    *uint32
	Software     *string
}

// taskSinks are the per-task callbacks recorded at dispatch time. Removal
// from the judger's task map is the single "this task is done here" signal.
type taskSinks struct {
	onUpdate func(protocol.JudgeState)
	onFinish func(*protocol.JudgeResult)
}

// Judger is one worker known to the controller. The registry holds the only
// strong reference; slot-queue entries refer back by token.
type Judger struct {
	token     string
	info      Info
	createdAt time.Time

	mu       sync.Mutex
	state    State
	ttlTimer *time.Timer
	session  *Session
	tasks    map[string]taskSinks

	lastStatus *protocol.JudgeStatus
}

func newJudger(token string, info Info) *Judger {
	return &Judger{
		token:     token,
		info:      info,
		createdAt: time.Now(),
		state:     StateRegistered,
		tasks:     make(map[string]taskSinks),
	}
}

func (j *Judger) Token() string { return j.token }

func (j *Judger) Info() Info { return j.info }

// StateNow returns the current lifecycle state.
func (j *Judger) StateNow() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// LastStatus returns the most recent ReportStatus payload, if any.
func (j *Judger) LastStatus() *protocol.JudgeStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastStatus
}

// currentSession returns the session while Online, else nil.
func (j *Judger) currentSession() *Session {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateOnline {
		return nil
	}
	return j.session
}

// addTask records the task's sinks; it fails if the id is already mapped.
func (j *Judger) addTask(id string, sinks taskSinks) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, dup := j.tasks[id]; dup {
		return false
	}
	j.tasks[id] = sinks
	return true
}

// removeTask atomically takes the task's sinks out of the map. The second
// return is false when the task was already finished or never assigned.
func (j *Judger) removeTask(id string) (taskSinks, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	sinks, ok := j.tasks[id]
	if ok {
		delete(j.tasks, id)
	}
	return sinks, ok
}

// lookupTask reads the task's sinks without removing them.
func (j *Judger) lookupTask(id string) (taskSinks, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	sinks, ok := j.tasks[id]
	return sinks, ok
}

// takeAllTasks drains the task map, used when the session is lost.
func (j *Judger) takeAllTasks() map[string]taskSinks {
	j.mu.Lock()
	defer j.mu.Unlock()
	tasks := j.tasks
	j.tasks = make(map[string]taskSinks)
	return tasks
}

// assignedCount reports the number of in-flight tasks on this judger.
func (j *Judger) assignedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.tasks)
}
