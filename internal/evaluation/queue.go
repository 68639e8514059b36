// Package evaluation runs event evaluations through a single background
// worker. Callers enqueue an event id and poll the task's status; the worker
// calls the external evaluator one task at a time, in arrival order, and
// merges the result into the event's evaluation record.
//
// Tasks live in memory only and are lost on restart.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isph/exchange-engine/internal/ledger"
	"github.com/isph/exchange-engine/internal/metrics"
	"github.com/isph/exchange-engine/internal/model"
)

const (
	DefaultPollInterval = time.Second
	DefaultTimeout      = 30 * time.Second

	// mergeAttempts bounds retries when the evaluation record is modified
	// concurrently (for example a teacher saving their part).
	mergeAttempts = 3
)

var (
	ErrValidation      = errors.New("evaluation: invalid request")
	ErrTaskNotFound    = errors.New("evaluation: task not found")
	ErrExternalService = errors.New("evaluation: external service error")
)

// Evaluator scores an event. Implementations must honour ctx cancellation.
type Evaluator interface {
	Evaluate(ctx context.Context, eventID string) (json.RawMessage, error)
}

// Queue is an unbounded FIFO of evaluation tasks drained by one worker.
type Queue struct {
	store     ledger.Store
	evaluator Evaluator
	logger    *zap.Logger

	pollInterval time.Duration
	timeout      time.Duration
	now          func() time.Time

	mu      sync.Mutex
	pending []string // task ids, oldest first
	wake    chan struct{}

	// tasks maps task id to an immutable model.TaskView snapshot; every
	// transition stores a new value so readers never lock.
	tasks sync.Map
}

// NewQueue creates a queue. Call Run to start the worker.
func NewQueue(st ledger.Store, ev Evaluator, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:        st,
		evaluator:    ev,
		logger:       logger.With(zap.String("component", "evaluation_queue")),
		pollInterval: DefaultPollInterval,
		timeout:      DefaultTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		wake:         make(chan struct{}, 1),
	}
}

// SetPollInterval sets how often an idle worker re-checks the queue.
func (q *Queue) SetPollInterval(d time.Duration) *Queue {
	if d > 0 {
		q.pollInterval = d
	}
	return q
}

// SetTimeout bounds each evaluator call.
func (q *Queue) SetTimeout(d time.Duration) *Queue {
	if d > 0 {
		q.timeout = d
	}
	return q
}

// Enqueue adds an evaluation task for eventID and returns its id. It never
// blocks on the worker.
func (q *Queue) Enqueue(eventID string) (string, error) {
	if !ledger.ValidSegment(eventID) {
		return "", fmt.Errorf("%w: malformed event id %q", ErrValidation, eventID)
	}

	now := q.now()
	view := model.TaskView{
		ID:        uuid.NewString(),
		EventID:   eventID,
		State:     model.TaskQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.tasks.Store(view.ID, view)

	q.mu.Lock()
	q.pending = append(q.pending, view.ID)
	depth := len(q.pending)
	q.mu.Unlock()
	metrics.EvaluationQueueDepth.Set(float64(depth))

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.logger.Info("evaluation enqueued",
		zap.String("task_id", view.ID),
		zap.String("event_id", eventID),
		zap.Int("queue_depth", depth),
	)
	return view.ID, nil
}

// Status returns the latest snapshot of a task.
func (q *Queue) Status(taskID string) (model.TaskView, error) {
	v, ok := q.tasks.Load(taskID)
	if !ok {
		return model.TaskView{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return v.(model.TaskView), nil
}

// Len returns the number of tasks waiting for the worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run processes tasks until ctx is cancelled. Only one Run may be active per
// queue. A task in flight when ctx is cancelled fails with the cancellation.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("evaluation worker started", zap.Duration("poll_interval", q.pollInterval))
	defer q.logger.Info("evaluation worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		taskID, ok := q.next()
		if !ok {
			timer := time.NewTimer(q.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		q.process(ctx, taskID)
	}
}

func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	metrics.EvaluationQueueDepth.Set(float64(len(q.pending)))
	return id, true
}

// process drives one task to a terminal state. It never panics.
func (q *Queue) process(ctx context.Context, taskID string) {
	view, err := q.Status(taskID)
	if err != nil {
		q.logger.Error("dequeued unknown task", zap.String("task_id", taskID))
		return
	}
	log := q.logger.With(zap.String("task_id", taskID), zap.String("event_id", view.EventID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("evaluation task panicked", zap.Any("panic", r))
			q.fail(log, view, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if _, err := q.store.Read(ctx, ledger.EventPath(view.EventID)); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			q.fail(log, view, fmt.Sprintf("event not found for ID %s", view.EventID))
			return
		}
		q.fail(log, view, fmt.Sprintf("load event: %v", err))
		return
	}

	view = q.transition(view, func(v *model.TaskView) { v.State = model.TaskProcessing })
	log.Info("evaluation started")

	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	start := time.Now()
	result, err := q.evaluator.Evaluate(callCtx, view.EventID)
	metrics.EvaluatorLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, ErrExternalService) {
			err = fmt.Errorf("%w: %w", ErrExternalService, err)
		}
		q.fail(log, view, err.Error())
		return
	}

	if err := q.mergeEvaluation(ctx, view.EventID, result); err != nil {
		q.fail(log, view, fmt.Sprintf("persist evaluation: %v", err))
		return
	}

	q.transition(view, func(v *model.TaskView) {
		v.State = model.TaskCompleted
		v.Result = result
	})
	metrics.EvaluationTasks.WithLabelValues(string(model.TaskCompleted)).Inc()
	log.Info("evaluation completed", zap.Duration("elapsed", time.Since(start)))
}

// mergeEvaluation writes result into the system field of the event's
// evaluation record, keeping the teacher and admin fields.
func (q *Queue) mergeEvaluation(ctx context.Context, eventID string, result json.RawMessage) error {
	path := ledger.EvaluationPath(eventID)

	for attempt := 1; attempt <= mergeAttempts; attempt++ {
		var eval model.Evaluation
		version, err := ledger.ReadJSON(ctx, q.store, path, &eval)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		eval.System = result
		if len(eval.Teacher) == 0 {
			eval.Teacher = json.RawMessage(`""`)
		}
		if len(eval.Admin) == 0 {
			eval.Admin = json.RawMessage(`""`)
		}

		data, err := json.Marshal(eval)
		if err != nil {
			return fmt.Errorf("encode evaluation: %w", err)
		}
		_, err = q.store.ConditionalWrite(ctx, path, version, data)
		if errors.Is(err, ledger.ErrVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w after %d attempts", ledger.ErrVersionConflict, mergeAttempts)
}

// fail marks the task failed. The reason is also the task's result, as a
// JSON string, so pollers reading only state and result see why.
func (q *Queue) fail(log *zap.Logger, view model.TaskView, reason string) {
	result, _ := json.Marshal(reason) // a string always encodes
	q.transition(view, func(v *model.TaskView) {
		v.State = model.TaskFailed
		v.Result = result
		v.Error = reason
	})
	metrics.EvaluationTasks.WithLabelValues(string(model.TaskFailed)).Inc()
	log.Warn("evaluation failed", zap.String("reason", reason))
}

// transition stores a modified copy of view and returns it.
func (q *Queue) transition(view model.TaskView, mutate func(*model.TaskView)) model.TaskView {
	mutate(&view)
	view.UpdatedAt = q.now()
	q.tasks.Store(view.ID, view)
	return view
}
