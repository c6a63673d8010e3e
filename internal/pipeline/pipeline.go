package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"blindsolve/internal/logging"
	"blindsolve/internal/solve"
	"blindsolve/internal/storage"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// JobType enumerates supported job categories.
type JobType string

const (
	JobSolve JobType = "solve"
	// JobBatch solves every image below a directory, one attempt per image.
	JobBatch JobType = "batch"
)

// Job represents a single solve request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Origin    string // cli, http, watch
	// Settings override the configured credentials when non-empty.
	Settings solve.Settings
}

// Result captures the outcome of a Job. Batch jobs carry one outcome per image.
type Result struct {
	Job      Job
	Outcomes []solve.Outcome
	Error    error
	Meta     map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// EventType distinguishes stream events.
type EventType string

const (
	EventTransition EventType = "transition"
	EventResult     EventType = "result"
)

// Event is delivered to subscribers for every state transition and finished job.
type Event struct {
	Type       EventType
	Transition *solve.Transition
	Result     *Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor   Processor
	log         *slog.Logger
	jobs        chan Job
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	concurrency int
	startOnce   sync.Once
	stopOnce    sync.Once
	store       *storage.Store
	mu          sync.Mutex
	subs        map[int]chan Event
	nextSubID   int
}

// New creates a Pipeline with the given concurrency. Workers begin once Start is called,
// which lets the processor be built with the pipeline's Observe as its transition observer.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Pipeline{
		log:         logger,
		jobs:        make(chan Job, concurrency*2),
		ctx:         ctx,
		cancel:      cancel,
		concurrency: concurrency,
		store:       store,
		subs:        make(map[int]chan Event),
	}
}

// Start launches the workers. Only the first call has any effect.
func (p *Pipeline) Start(proc Processor) {
	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < p.concurrency; i++ {
			p.wg.Add(1)
			go p.worker(p.ctx, i)
		}
	})
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.Type == "" {
		job.Type = JobSolve
	}
	if job.Type == JobSolve {
		if err := p.store.RecordAttemptQueued(storage.AttemptRecord{
			ID:        job.ID,
			ImagePath: job.InputPath,
			Origin:    job.Origin,
		}); err != nil {
			p.log.Warn("could not record queued attempt", "id", job.ID, "error", err)
		}
	}

	select {
	case <-p.ctx.Done():
		p.discard(job)
		return p.ctx.Err()
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		p.discard(job)
		return ErrQueueFull
	}
}

// discard drops the queued row of a job that was never accepted.
func (p *Pipeline) discard(job Job) {
	if job.Type != JobSolve {
		return
	}
	if err := p.store.DiscardQueuedAttempt(job.ID); err != nil {
		p.log.Warn("could not discard rejected attempt", "id", job.ID, "error", err)
	}
}

// Wait blocks until the pipeline is stopped or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return nil
	}
}

// Stop cancels in-flight attempts, waits for workers to exit and closes subscriber channels.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			start := time.Now()
			p.log.Debug("worker picked up job", "worker", id, "job", job.ID, "type", job.Type)
			res := p.processor.Process(ctx, job)
			p.log.Debug("job finished", "worker", id, "job", job.ID, "duration", time.Since(start), "failed", res.Error != nil)
			p.broadcast(Event{Type: EventResult, Result: &res})
		}
	}
}

// Observe records and fans out one attempt transition. It is used as the orchestrator's observer.
func (p *Pipeline) Observe(tr solve.Transition) {
	logging.LogStage(p.log, tr.AttemptID, string(tr.From), string(tr.To), tr.Detail)
	if tr.From == solve.StateIdle {
		if err := p.store.RecordAttemptStart(tr.AttemptID); err != nil {
			p.log.Warn("could not record attempt start", "id", tr.AttemptID, "error", err)
		}
	}
	if err := p.store.RecordTransition(storage.TransitionRecord{
		AttemptID: tr.AttemptID,
		From:      string(tr.From),
		To:        string(tr.To),
		Detail:    tr.Detail,
		At:        tr.At,
	}); err != nil {
		p.log.Warn("could not record transition", "id", tr.AttemptID, "error", err)
	}
	p.broadcast(Event{Type: EventTransition, Transition: &tr})
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 32)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.log.Warn("event channel full", "subscriber", id, "type", ev.Type)
		}
	}
}
