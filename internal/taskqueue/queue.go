// Package taskqueue is the submission interface to the shared task queue:
// enqueue-by-name with arguments, query-status-by-id, cancel-by-id with
// optional cascade to children recorded under a correlation id.
//
// Backed by Redis: one hash per task instance, a pending list for pickup,
// and a set of child ids per parent for cascading cancellation.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Task statuses.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// taskTTL keeps finished task records around long enough for diagnosis.
const taskTTL = 7 * 24 * time.Hour

// Task is one queued unit of work.
type Task struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Args       map[string]string `json:"args,omitempty"`
	ParentID   string            `json:"parentId,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// Queue is the Redis-backed task submission client.
type Queue struct {
	rdb *redis.Client
}

// NewQueue returns a Queue over rdb.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func taskKey(id string) string      { return "task:" + id }
func childrenKey(id string) string  { return "task:" + id + ":children" }
func cancelledKey(id string) string { return "task:" + id + ":cancelled" }

// Enqueue records a task instance and pushes it on the pending list.
// parentID is the coordinating task's instance id, or "" for top-level
// tasks. Returns the new instance id.
func (q *Queue) Enqueue(ctx context.Context, name string, args map[string]string, parentID string) (string, error) {
	id := uuid.New().String()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal task args: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(id), map[string]interface{}{
		"name":       name,
		"args":       string(argsJSON),
		"parentId":   parentID,
		"status":     StatusPending,
		"enqueuedAt": time.Now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, taskKey(id), taskTTL)
	pipe.LPush(ctx, "tasks:pending", id)
	if parentID != "" {
		pipe.SAdd(ctx, childrenKey(parentID), id)
		pipe.Expire(ctx, childrenKey(parentID), taskTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue task %q: %w", name, err)
	}

	return id, nil
}

// Status returns the task record for id, or nil when unknown.
func (q *Queue) Status(ctx context.Context, id string) (*Task, error) {
	fields, err := q.rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	t := &Task{
		ID:       id,
		Name:     fields["name"],
		ParentID: fields["parentId"],
		Status:   fields["status"],
		Error:    fields["error"],
	}
	if raw := fields["args"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Args); err != nil {
			return nil, fmt.Errorf("decode task args for %s: %w", id, err)
		}
	}
	if at, err := time.Parse(time.RFC3339, fields["enqueuedAt"]); err == nil {
		t.EnqueuedAt = at
	}
	return t, nil
}

// SetStatus updates a task's status; errMsg is recorded for failures.
func (q *Queue) SetStatus(ctx context.Context, id, status, errMsg string) error {
	values := map[string]interface{}{"status": status}
	if errMsg != "" {
		values["error"] = errMsg
	}
	if err := q.rdb.HSet(ctx, taskKey(id), values).Err(); err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	return nil
}

// Cancel revokes one task instance. Drivers poll IsCancelled between
// units of work; an already-running unit finishes normally.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, cancelledKey(id), "1", taskTTL)
	pipe.HSet(ctx, taskKey(id), "status", StatusCancelled)
	pipe.LRem(ctx, "tasks:pending", 0, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	return nil
}

// IsCancelled reports whether id has been revoked.
func (q *Queue) IsCancelled(ctx context.Context, id string) (bool, error) {
	n, err := q.rdb.Exists(ctx, cancelledKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancellation for %s: %w", id, err)
	}
	return n > 0, nil
}

// Children returns the instance ids recorded under parentID.
func (q *Queue) Children(ctx context.Context, parentID string) ([]string, error) {
	ids, err := q.rdb.SMembers(ctx, childrenKey(parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	return ids, nil
}

// CancelChildren revokes every task recorded under parentID and returns
// the count revoked.
func (q *Queue) CancelChildren(ctx context.Context, parentID string) (int, error) {
	ids, err := q.Children(ctx, parentID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := q.Cancel(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
