// Package queue retries credit settlements that failed in-line after a search
// committed. Jobs live on a redis stream with a consumer group; a settlement
// that still fails after maxRetries is handed to the exhausted hook so the
// reconciliation pipeline can pick it up.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bookwright/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// SettlementJob is one pending debit. Description doubles as the settlement
// idempotency key, so replaying a job can never charge twice.
type SettlementJob struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	SearchID     string    `json:"searchId"`
	HoldID       string    `json:"holdId"`
	Amount       int64     `json:"amount"`
	Description  string    `json:"description"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type SettlementQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	onExhausted  func(context.Context, SettlementJob)
	once         sync.Once
}

type SettlementQueueConfig struct {
	Client     *redis.Client
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
	// OnExhausted runs after a job fails its final attempt.
	OnExhausted func(context.Context, SettlementJob)
}

func NewSettlementQueue(cfg SettlementQueueConfig) (*SettlementQueue, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "settlement"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &SettlementQueue{
		client:       cfg.Client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		onExhausted:  cfg.OnExhausted,
	}, nil
}

// Enqueue records the job and pushes it onto the stream.
func (q *SettlementQueue) Enqueue(ctx context.Context, job SettlementJob) (SettlementJob, error) {
	if strings.TrimSpace(job.UserID) == "" || strings.TrimSpace(job.Description) == "" {
		return SettlementJob{}, errors.New("userId and description required")
	}
	job.ID = util.NewID()
	job.Status = StatusQueued
	job.Attempts = 0
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	if err := q.writeStatus(ctx, job); err != nil {
		return SettlementJob{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(job),
	}).Err(); err != nil {
		return SettlementJob{}, err
	}
	return job, nil
}

// GetJob looks up a job's tracked status.
func (q *SettlementQueue) GetJob(ctx context.Context, jobID string) (SettlementJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return SettlementJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return SettlementJob{}, false, err
	}
	if len(data) == 0 {
		return SettlementJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches consumer goroutines that run until ctx is cancelled.
func (q *SettlementQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, SettlementJob) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *SettlementQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// best-effort; errors will surface on consume
		}
	})
}

func (q *SettlementQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, SettlementJob) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *SettlementQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *SettlementQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, SettlementJob) error) {
	job := jobFromStream(msg.Values)
	if job.ID == "" || job.UserID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, job)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, job); err == nil {
		_ = q.markStatus(ctx, job.ID, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	} else if job.Attempts >= q.maxRetries {
		_ = q.markStatus(ctx, job.ID, StatusFailed, err.Error())
		q.ackAndDel(ctx, msg.ID)
		if q.onExhausted != nil {
			q.onExhausted(ctx, job)
		}
		return
	} else {
		_ = q.markStatus(ctx, job.ID, StatusQueued, err.Error())
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, job)
}

func (q *SettlementQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *SettlementQueue) requeueAndAck(ctx context.Context, msgID string, job SettlementJob) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(job),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *SettlementQueue) markProcessing(ctx context.Context, job SettlementJob) (SettlementJob, error) {
	tracked, ok, err := q.GetJob(ctx, job.ID)
	if err != nil {
		return SettlementJob{}, err
	}
	if ok {
		job.Attempts = tracked.Attempts
		job.CreatedAt = tracked.CreatedAt
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return SettlementJob{}, err
	}
	return job, nil
}

func (q *SettlementQueue) markStatus(ctx context.Context, jobID, status, errMsg string) error {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *SettlementQueue) writeStatus(ctx context.Context, job SettlementJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"userId":      job.UserID,
		"searchId":    job.SearchID,
		"holdId":      job.HoldID,
		"amount":      strconv.FormatInt(job.Amount, 10),
		"description": job.Description,
		"status":      job.Status,
		"error":       job.ErrorMessage,
		"attempts":    strconv.Itoa(job.Attempts),
		"createdAt":   job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":   job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *SettlementQueue) jobKey(jobID string) string {
	return fmt.Sprintf("settle:%s:%s", q.stream, jobID)
}

func streamValues(job SettlementJob) map[string]any {
	return map[string]any{
		"job_id":      job.ID,
		"user_id":     job.UserID,
		"search_id":   job.SearchID,
		"hold_id":     job.HoldID,
		"amount":      strconv.FormatInt(job.Amount, 10),
		"description": job.Description,
	}
}

func jobFromStream(values map[string]any) SettlementJob {
	var job SettlementJob
	job.ID, _ = values["job_id"].(string)
	job.UserID, _ = values["user_id"].(string)
	job.SearchID, _ = values["search_id"].(string)
	job.HoldID, _ = values["hold_id"].(string)
	job.Description, _ = values["description"].(string)
	if v, _ := values["amount"].(string); v != "" {
		job.Amount, _ = strconv.ParseInt(v, 10, 64)
	}
	return job
}

func decodeJob(jobID string, data map[string]string) SettlementJob {
	job := SettlementJob{ID: jobID}
	job.UserID = data["userId"]
	job.SearchID = data["searchId"]
	job.HoldID = data["holdId"]
	job.Description = data["description"]
	job.Status = data["status"]
	job.ErrorMessage = data["error"]
	if v := data["amount"]; v != "" {
		job.Amount, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
