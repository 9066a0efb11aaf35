// Package compilequeue serializes expensive per-device history
// compilations: a single owning goroutine holds a FIFO of pending jobs
// and the set of device ids currently running, and admits queued work
// up to a global concurrency bound while guaranteeing at most one
// in-flight job per device id.
package compilequeue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// throttle is how long a finished worker goroutine sleeps after posting
// its completion, matching compiler_queues.rs's
// `tokio::time::sleep(Duration::from_secs(5))` after a job posts its
// completion. The device's slot is already free by then, since done is
// posted before the sleep; the sleep only delays the goroutine's exit.
const throttle = 5 * time.Second

// Response is the kind-agnostic result a job hands back to its Sink.
type Response struct {
	Status int
	Body   []byte
}

// Sink is a job's response destination. A job whose sink has already
// closed (the HTTP client disconnected) still runs to completion; its
// result is simply discarded instead of written.
type Sink interface {
	Closed() bool
	Write(Response)
}

// Job is one queued compilation request for a specific device.
type Job struct {
	DevID string
	Sink  Sink
	Run   func(ctx context.Context) Response
}

// Queue is the bounded, per-device-exclusive compilation scheduler.
type Queue struct {
	log zerolog.Logger
	k   int

	submit chan Job
	done   chan string
	stop   chan struct{}

	nRequests int
}

// New creates a queue admitting at most k concurrent jobs, and starts
// its owning goroutine.
func New(k int, log zerolog.Logger) *Queue {
	q := &Queue{
		log:    log,
		k:      k,
		submit: make(chan Job),
		done:   make(chan string),
		stop:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues a job. It blocks only until the owning goroutine has
// accepted it onto the FIFO, not until the job runs.
func (q *Queue) Submit(job Job) {
	q.submit <- job
}

// Stop signals the owning goroutine to exit once the current admission
// pass settles; jobs already running are not interrupted.
func (q *Queue) Stop() {
	close(q.stop)
}

func (q *Queue) run() {
	var pending []Job
	running := map[string]bool{}

	for {
		select {
		case <-q.stop:
			return
		case job := <-q.submit:
			pending = append(pending, job)
		case devID := <-q.done:
			delete(running, devID)
		}
		pending = q.admit(pending, running)
	}
}

// admit pops and starts jobs from the front of the FIFO while the
// running set has spare capacity, skipping over (without reordering)
// any job whose device id is already running. Jobs left behind keep
// their relative order for the next admission pass.
func (q *Queue) admit(pending []Job, running map[string]bool) []Job {
	for len(running) < q.k {
		idx := -1
		for i, job := range pending {
			if !running[job.DevID] {
				idx = i
				break
			}
		}
		if idx < 0 {
			return pending
		}

		job := pending[idx]
		pending = append(pending[:idx:idx], pending[idx+1:]...)
		running[job.DevID] = true

		q.nRequests++
		go q.runJob(job, q.nRequests)
	}
	return pending
}

func (q *Queue) runJob(job Job, n int) {
	q.log.Info().Msgf("starting compilation [%d] %s", n, job.DevID)

	resp := job.Run(context.Background())

	if !job.Sink.Closed() {
		job.Sink.Write(resp)
	}

	q.log.Info().Msgf("finished compilation [%d] %s", n, job.DevID)

	q.done <- job.DevID
	time.Sleep(throttle)
}
