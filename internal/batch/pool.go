// Package batch scans many images concurrently, one widget host per worker.
package batch

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/internal/observer"
	"github.com/anime-shed/card-scanner-go/internal/widget"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// Job is one scan from image. Second is set for multi-side scans.
type Job struct {
	Name   string
	First  *models.ImageFile
	Second *models.ImageFile
}

// Result is the terminal widget event of a job, or the error that kept it from running.
type Result struct {
	Name  string               `json:"name"`
	Event observer.WidgetEvent `json:"event"`
	Err   error                `json:"-"`
}

type task struct {
	ctx  context.Context
	job  Job
	done func(Result)
}

// Pool runs jobs on a fixed set of initialized hosts. A host scans one image
// at a time, so each worker owns exactly one.
type Pool struct {
	hosts    []widget.Host
	jobQueue chan task
	wg       sync.WaitGroup
	once     sync.Once
}

// NewPool creates a pool with one worker per host
func NewPool(hosts []widget.Host) (*Pool, error) {
	if len(hosts) == 0 {
		return nil, apperrors.NewConfigurationError("batch pool needs at least one host", nil)
	}
	return &Pool{
		hosts:    hosts,
		jobQueue: make(chan task, len(hosts)*2),
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	p.once.Do(func() {
		for _, h := range p.hosts {
			go p.worker(h)
		}
	})
}

func (p *Pool) worker(h widget.Host) {
	for t := range p.jobQueue {
		t.done(scanOne(t.ctx, h, t.job))
		p.wg.Done()
	}
}

// Submit queues a job; done receives its result on a worker goroutine.
func (p *Pool) Submit(ctx context.Context, job Job, done func(Result)) {
	p.wg.Add(1)
	p.jobQueue <- task{ctx: ctx, job: job, done: done}
}

// Wait waits for all submitted jobs to complete
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close stops the workers once the queue drains
func (p *Pool) Close() {
	close(p.jobQueue)
}

// ScanAll runs every job and returns the results in job order.
func (p *Pool) ScanAll(ctx context.Context, jobs []Job) []Result {
	p.Start()
	results := make([]Result, len(jobs))
	for i, job := range jobs {
		i := i
		p.Submit(ctx, job, func(r Result) { results[i] = r })
	}
	p.Wait()
	return results
}

func scanOne(ctx context.Context, h widget.Host, job Job) Result {
	res := Result{Name: job.Name}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	var (
		events <-chan observer.WidgetEvent
		err    error
	)
	if job.Second != nil {
		events, err = h.StartMultiSideImageScan(ctx, job.First, job.Second)
	} else {
		events, err = h.StartImageScan(ctx, job.First)
	}
	if err != nil {
		res.Err = err
		return res
	}

	select {
	case ev, ok := <-events:
		if !ok {
			res.Err = errors.New("scan ended without a terminal event")
			return res
		}
		res.Event = ev
	case <-ctx.Done():
		h.Abort()
		// The aborted scan still delivers its terminal event; keep the host free for the next job.
		for ev := range events {
			res.Event = ev
		}
		res.Err = ctx.Err()
	}
	return res
}
