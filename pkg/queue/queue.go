package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/security"
)

// BaselinePriority lifts baseline backtests above routine work.
const BaselinePriority = 10

// Store is the subset of storage the producer writes to.
type Store interface {
	CreateJob(ctx context.Context, job *core.Job) error
	CreateJobUnique(ctx context.Context, job *core.Job, uniqueKey string) error
}

// Producer enqueues typed jobs.
type Producer struct {
	store Store
}

// New creates a Producer writing to store.
func New(store Store) *Producer {
	return &Producer{store: store}
}

// Enqueue adds a job for botID carrying payload. With a unique key set, a
// second QUEUED or RUNNING job for the same key fails with core.ErrDuplicateJob.
func (p *Producer) Enqueue(ctx context.Context, botID string, payload core.Payload, opts ...Option) (string, error) {
	if payload == nil || !payload.JobType().Valid() {
		return "", core.ErrUnknownJobType
	}

	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	raw, err := core.EncodePayload(payload)
	if err != nil {
		return "", err
	}
	if len(raw) > security.MaxPayloadSize {
		return "", core.ErrPayloadTooLarge
	}

	job := &core.Job{
		ID:       uuid.New().String(),
		Type:     payload.JobType(),
		Status:   core.JobQueued,
		BotID:    botID,
		Payload:  raw,
		Priority: options.Priority,
	}

	if options.UniqueKey != "" {
		if err := security.ValidateUniqueKey(options.UniqueKey); err != nil {
			return "", err
		}
		if err := p.store.CreateJobUnique(ctx, job, options.UniqueKey); err != nil {
			if errors.Is(err, core.ErrDuplicateJob) {
				return "", err
			}
			return "", fmt.Errorf("enqueue %s for %s: %w", job.Type, botID, err)
		}
		return job.ID, nil
	}

	if err := p.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue %s for %s: %w", job.Type, botID, err)
	}
	return job.ID, nil
}

// QueueBaseline enqueues one baseline BACKTESTER job per bot. The returned ID
// doubles as the session ID the backtest handler records.
func (p *Producer) QueueBaseline(ctx context.Context, botID string, opts core.BaselineOptions) (string, error) {
	return p.Enqueue(ctx, botID, core.BacktestPayload{
		Generation: opts.Generation,
		Baseline:   true,
		Params:     opts.Params,
	}, PerBot(botID, core.JobTypeBacktester), Priority(BaselinePriority))
}

// QueueEvolution enqueues one EVOLVING job per bot.
func (p *Producer) QueueEvolution(ctx context.Context, bot *core.Bot, reason string) (string, error) {
	return p.Enqueue(ctx, bot.ID, core.EvolvePayload{
		FromGeneration: bot.CurrentGeneration,
		Reason:         reason,
	}, PerBot(bot.ID, core.JobTypeEvolving))
}
