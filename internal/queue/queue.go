package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/assohub/backend/internal/audit"
)

const (
	QueueKey = "ledger_jobs"

	JobImportConfirm = "import_confirm"
	JobBillingRun    = "billing_run"
	JobERPSyncEntry  = "erp_sync_entry"
)

// Job is one unit of background work. Delivery is at-least-once; the
// handlers themselves are idempotent.
type Job struct {
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
}

type Handler func(ctx context.Context, payload json.RawMessage) error

// Queue is a Redis-backed work queue for the importer, recurring
// billing and ERP sync jobs.
type Queue struct {
	redis       *redis.Client
	audit       *audit.Logger
	handlers    map[string]Handler
	maxAttempts int
}

func New(redisClient *redis.Client, auditLogger *audit.Logger, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{
		redis:       redisClient,
		audit:       auditLogger,
		handlers:    map[string]Handler{},
		maxAttempts: maxAttempts,
	}
}

func (q *Queue) Register(name string, h Handler) {
	q.handlers[name] = h
}

// Enqueue submits a job. Callers do not await completion.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) error {
	if q.redis == nil {
		return errors.New("job queue unavailable")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Job{Name: name, Payload: raw})
	if err != nil {
		return err
	}
	return q.redis.RPush(ctx, QueueKey, data).Err()
}

// Run consumes jobs until the context is canceled. A failed job is
// re-enqueued with an incremented attempt counter; after maxAttempts
// it is dropped and audited.
func (q *Queue) Run(ctx context.Context) {
	log.Printf("[QUEUE] worker started, max attempts per job: %d", q.maxAttempts)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[QUEUE] worker stopping: %v", ctx.Err())
			return
		default:
		}

		res, err := q.redis.BLPop(ctx, 5*time.Second, QueueKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[QUEUE] pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(res) < 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			log.Printf("[QUEUE] discarding malformed job: %v", err)
			continue
		}
		q.process(ctx, job)
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	handler, ok := q.handlers[job.Name]
	if !ok {
		log.Printf("[QUEUE] no handler for job %q, dropping", job.Name)
		return
	}

	start := time.Now()
	err := handler(ctx, job.Payload)
	if err == nil {
		log.Printf("[QUEUE] job %s completed in %s", job.Name, time.Since(start))
		return
	}

	job.Attempts++
	log.Printf("[QUEUE] job %s failed (attempt %d/%d): %v", job.Name, job.Attempts, q.maxAttempts, err)
	if job.Attempts >= q.maxAttempts {
		q.audit.LogJobDropped(job.Name, job.Attempts, err)
		return
	}

	data, merr := json.Marshal(job)
	if merr != nil {
		q.audit.LogJobDropped(job.Name, job.Attempts, merr)
		return
	}
	if perr := q.redis.RPush(ctx, QueueKey, data).Err(); perr != nil {
		q.audit.LogJobDropped(job.Name, job.Attempts, perr)
	}
}
