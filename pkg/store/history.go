package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/guido-cesarano/caseq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// RecordOutcome stores a settled task in its case history and under its own id.
//
// The operation is atomic via Redis pipelining:
//  1. Appends the task to history:{case}
//  2. Trims the history to the last HistoryLimit entries
//  3. Stores the task under result:{id} with ResultTTL
//
// Store satisfies queue.Recorder through this method.
func (s *Store) RecordOutcome(ctx context.Context, task tasks.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, historyKey(task.CaseKey), data)
	pipe.LTrim(ctx, historyKey(task.CaseKey), -s.historyLimit, -1)
	pipe.Set(ctx, resultKey(task.ID), data, s.resultTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// History returns up to limit of the most recent settled tasks of caseKey,
// oldest first. A limit <= 0 returns the whole retained history.
func (s *Store) History(ctx context.Context, caseKey string, limit int64) ([]tasks.Task, error) {
	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	rawTasks, err := s.rdb.LRange(ctx, historyKey(caseKey), start, -1).Result()
	if err != nil {
		return nil, err
	}

	taskList := make([]tasks.Task, 0, len(rawTasks))
	for _, raw := range rawTasks {
		var t tasks.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			// Skip malformed entries, history is diagnostic only
			continue
		}
		taskList = append(taskList, t)
	}
	return taskList, nil
}

// GetResult retrieves a settled task by submission id.
// It returns ErrNotFound when the result expired or never existed.
func (s *Store) GetResult(ctx context.Context, id string) (tasks.Task, error) {
	raw, err := s.rdb.Get(ctx, resultKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return tasks.Task{}, ErrNotFound
	}
	if err != nil {
		return tasks.Task{}, err
	}

	var t tasks.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return tasks.Task{}, err
	}
	return t, nil
}
