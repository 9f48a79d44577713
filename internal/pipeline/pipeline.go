package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"merfish3d/internal/config"
	"merfish3d/internal/logging"
	"merfish3d/internal/storage"
)

// JobType enumerates the pipeline stages a job can run.
type JobType string

const (
	JobSimulate       JobType = "simulate"
	JobLocalRegister  JobType = "localregister"
	JobGlobalRegister JobType = "globalregister"
	JobFuse           JobType = "fuse"
	JobCalibrate      JobType = "calibrate"
	JobDecode         JobType = "decode"
	JobEvaluate       JobType = "evaluate"
	JobSweep          JobType = "sweep"
	JobExport         JobType = "export"
	JobRun            JobType = "run"
)

// JobTypes lists every stage in pipeline order.
var JobTypes = []JobType{
	JobSimulate, JobLocalRegister, JobGlobalRegister, JobFuse, JobCalibrate,
	JobDecode, JobEvaluate, JobSweep, JobExport, JobRun,
}

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// NewJobID returns a fresh job identifier.
func NewJobID(t JobType) string {
	return string(t) + "-" + uuid.NewString()
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	results   fanout
}

// New creates a Pipeline running stage jobs against store with
// cfg.Processing.ParallelJobs workers.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Pipeline {
	return newPipeline(ctx, cfg.Processing.ParallelJobs, logger, store, newRouter(logger, store, cfg))
}

func newPipeline(ctx context.Context, workers int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	workers = max(workers, 1)
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, workers*2),
		cancel:    cancel,
		store:     store,
		results:   fanout{subs: map[int]chan Result{}, log: logger},
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue without blocking. A job
// without an ID gets one. The returned ID is valid even when the queue
// rejects the job, so the rejection can be looked up.
func (p *Pipeline) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = NewJobID(job.Type)
	}
	p.recordQueued(job)
	select {
	case p.jobs <- job:
		return job.ID, nil
	default:
		p.recordResult(job.ID, "rejected", nil, errQueueFull)
		return job.ID, errQueueFull
	}
}

var errQueueFull = errors.New("job queue is full")

// SubmitAndWait queues job and blocks until its result arrives.
func (p *Pipeline) SubmitAndWait(ctx context.Context, job Job) (Result, error) {
	if job.ID == "" {
		job.ID = NewJobID(job.Type)
	}
	resCh, unsubscribe := p.Subscribe()
	defer unsubscribe()
	if _, err := p.Submit(job); err != nil {
		return Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return Result{Job: job}, errors.New("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

// Stop cancels running stages, drains the workers and closes every
// subscription.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.results.closeAll()
	})
}

// Subscribe returns a channel receiving every finished job and a function
// that ends the subscription.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	return p.results.subscribe()
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.results.publish(p.run(ctx, id, job))
		}
	}
}

// run executes one job with start and finish bookkeeping.
func (p *Pipeline) run(ctx context.Context, worker int, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	res := p.process(ctx, job)
	elapsed := time.Since(start)
	if res.Error != nil {
		meta := map[string]any{"worker": worker}
		for k, v := range res.Meta {
			meta[k] = v
		}
		logging.LogJobError(p.log, string(job.Type), job.ID, elapsed, res.Error, meta)
		p.recordResult(job.ID, "failed", res.Meta, res.Error)
		return res
	}
	logging.LogJobComplete(p.log, string(job.Type), job.ID, elapsed, res.Meta)
	p.recordResult(job.ID, "completed", res.Meta, nil)
	return res
}

// process runs one job, turning a panicking stage into a failed result so
// the worker survives.
func (p *Pipeline) process(ctx context.Context, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Job: job, Error: panicError(r)}
		}
	}()
	return p.processor.Process(ctx, job)
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store == nil {
		return
	}
	opts, _ := json.Marshal(job.Options)
	err := p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      "queued",
		InputPath:   job.InputPath,
		OutputPath:  job.Output,
		OptionsJSON: string(opts),
	})
	if err != nil {
		p.log.Warn("could not record job", "id", job.ID, "error", err)
	}
}

func (p *Pipeline) recordResult(id, status string, meta map[string]any, jobErr error) {
	if p.store == nil {
		return
	}
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	if err := p.store.RecordJobResult(id, status, meta, msg); err != nil {
		p.log.Warn("could not record job result", "id", id, "status", status, "error", err)
	}
}

// fanout delivers results to subscribers. A subscriber whose buffer is
// full misses the result rather than stalling the workers.
type fanout struct {
	mu   sync.Mutex
	subs map[int]chan Result
	next int
	log  *slog.Logger
}

func (f *fanout) subscribe() (<-chan Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan Result, 8)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
}

func (f *fanout) publish(res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- res:
		default:
			f.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}
