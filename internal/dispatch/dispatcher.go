package dispatch

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ocrflow/ocrflow/internal/domain"
)

var (
	// ErrAlreadyQueued reports a job id that is already waiting or running.
	ErrAlreadyQueued = errors.New("job already queued")
	// ErrQueueFull reports that the backlog is at capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrStopped reports a submit after shutdown began.
	ErrStopped = errors.New("dispatcher stopped")
)

// Runner executes one job end to end and returns its final record.
type Runner interface {
	Run(ctx context.Context, jobID string) (domain.Job, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Dispatcher owns the in-process job queue: a bounded FIFO backlog drained
// by a fixed pool of workers. A job id is accepted at most once per
// lifecycle, so a record can never be executed concurrently with itself.
type Dispatcher struct {
	logger        *log.Logger
	runner        Runner
	webhookClient webhookSender
	metrics       *metrics

	queue   chan string
	workers int

	mu      sync.Mutex
	queued  []string
	pending map[string]struct{}
	active  map[string]struct{}
	stopped bool

	wg sync.WaitGroup
}

// Status is a point-in-time view of the queue for the status endpoint.
type Status struct {
	Queued   []string `json:"queued"`
	Active   []string `json:"active"`
	Capacity int      `json:"capacity"`
	Workers  int      `json:"workers"`
}

func New(logger *log.Logger, runner Runner, webhookClient webhookSender, workers, capacity int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Dispatcher{
		logger:        logger,
		runner:        runner,
		webhookClient: webhookClient,
		metrics:       newMetrics(),
		queue:         make(chan string, capacity),
		workers:       workers,
		pending:       map[string]struct{}{},
		active:        map[string]struct{}{},
	}
}

// Start launches the worker pool. Jobs run under ctx; cancelling it aborts
// in-flight pipelines.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

// Stop rejects further submissions, lets queued jobs drain, and waits for
// the workers to exit or ctx to expire, whichever comes first.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.queue)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a pending job for execution. The same id is rejected
// until its current run reaches a terminal state or it is forgotten.
func (d *Dispatcher) Submit(jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrStopped
	}
	if _, dup := d.pending[jobID]; dup {
		return ErrAlreadyQueued
	}

	select {
	case d.queue <- jobID:
	default:
		return ErrQueueFull
	}

	d.pending[jobID] = struct{}{}
	d.queued = append(d.queued, jobID)
	d.metrics.queueDepth.Inc()
	return nil
}

// Forget withdraws a queued job, typically because its record was deleted.
// A job that is already running cannot be withdrawn; the caller's delete
// wins at the store and the run ends against a missing record.
func (d *Dispatcher) Forget(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, running := d.active[jobID]; running {
		return false
	}
	if _, ok := d.pending[jobID]; !ok {
		return false
	}
	delete(d.pending, jobID)
	d.dropQueued(jobID)
	return true
}

// Snapshot reports the ids currently waiting and running.
func (d *Dispatcher) Snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Status{
		Queued:   make([]string, 0, len(d.queued)),
		Active:   make([]string, 0, len(d.active)),
		Capacity: cap(d.queue),
		Workers:  d.workers,
	}
	st.Queued = append(st.Queued, d.queued...)
	for id := range d.active {
		st.Active = append(st.Active, id)
	}
	sort.Strings(st.Active)
	return st
}

// MetricsHandler exposes the dispatcher's private registry.
func (d *Dispatcher) MetricsHandler() http.Handler {
	return d.metrics.Handler()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()

	for jobID := range d.queue {
		if !d.begin(jobID) {
			// Withdrawn while waiting.
			continue
		}
		d.execute(ctx, jobID)
	}
}

func (d *Dispatcher) begin(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dropQueued(jobID)
	d.metrics.queueDepth.Dec()

	if _, ok := d.pending[jobID]; !ok {
		return false
	}
	d.active[jobID] = struct{}{}
	return true
}

func (d *Dispatcher) finish(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, jobID)
	delete(d.pending, jobID)
}

func (d *Dispatcher) dropQueued(jobID string) {
	for i, id := range d.queued {
		if id == jobID {
			d.queued = append(d.queued[:i], d.queued[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, jobID string) {
	startedAt := time.Now()
	d.metrics.activeJobs.Inc()
	defer func() {
		d.metrics.activeJobs.Dec()
		d.finish(jobID)
	}()

	d.logger.Printf("Working... job_id=%s", jobID)

	job, err := d.runner.Run(ctx, jobID)
	outcome := string(job.Status)
	if outcome == "" {
		outcome = string(domain.StatusFailed)
	}

	d.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
	d.metrics.jobsTotal.WithLabelValues(outcome).Inc()

	if err != nil {
		d.logger.Printf("job failed job_id=%s err=%v", jobID, err)
	} else {
		d.logger.Printf("Processed job_id=%s pages=%d", jobID, job.ProcessedPages)
		d.metrics.pagesTotal.Add(float64(job.ProcessedPages))
	}

	d.dispatchWebhook(ctx, job)
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, job domain.Job) {
	if job.WebhookURL == "" || d.webhookClient == nil || !job.Status.Terminal() {
		return
	}

	event := "job.completed"
	if job.Status == domain.StatusFailed {
		event = "job.failed"
	}

	payload := map[string]any{
		"job_id":          job.ID,
		"status":          job.Status,
		"filename":        job.Filename,
		"total_pages":     job.TotalPages,
		"processed_pages": job.ProcessedPages,
		"finished_at":     time.Now().UTC(),
	}
	if job.ErrorMessage != "" {
		payload["error"] = job.ErrorMessage
	}

	if err := d.webhookClient.Send(ctx, job.WebhookURL, event, payload); err != nil {
		d.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", job.ID, event, err)
	}
}
