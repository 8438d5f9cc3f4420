// Package external persists in-flight submissions to redis, used as an
// opaque durable queue. The core never reads these entries back; they exist
// so an operator can recover or inspect what was accepted.
package external

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hengoj/heng/internal/protocol"
)

const (
	judgeMapKey   = "judge_map"
	judgeQueueKey = "judge_queue"
)

type Module struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Module {
	return &Module{rdb: rdb}
}

// SaveJudge stores the submission envelope under its task id and enqueues
// the id, atomically.
func (m *Module) SaveJudge(ctx context.Context, taskID string, judge *protocol.CreateJudgeRequest) error {
	content, err := json.Marshal(judge)
	if err != nil {
		return fmt.Errorf("marshal judge: %w", err)
	}
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, judgeMapKey, taskID, content)
		pipe.LPush(ctx, judgeQueueKey, taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save judge %s: %w", taskID, err)
	}
	return nil
}

// RemoveJudge drops the queue entry and the envelope, atomically.
func (m *Module) RemoveJudge(ctx context.Context, taskID string) error {
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, judgeQueueKey, 1, taskID)
		pipe.HDel(ctx, judgeMapKey, taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove judge %s: %w", taskID, err)
	}
	return nil
}
