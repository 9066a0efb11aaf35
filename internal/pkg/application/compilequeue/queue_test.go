package compilequeue

import (
	"context"
	"sync"
	"time"

	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

// fakeSink records whether a response was written, and can simulate a
// client that disconnected before the job finished.
type fakeSink struct {
	mu     sync.Mutex
	closed bool
	wrote  bool
	resp   Response
}

func (s *fakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) Write(r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrote = true
	s.resp = r
}

func (s *fakeSink) setClosed(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = v
}

func (s *fakeSink) wroteResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}

// blockingJob runs until its release channel is closed, then reports
// having started and finished on the given trackers.
func blockingJob(devID string, started chan<- string, release <-chan struct{}) Job {
	return Job{
		DevID: devID,
		Sink:  &fakeSink{},
		Run: func(ctx context.Context) Response {
			started <- devID
			<-release
			return Response{Status: 200}
		},
	}
}

func newTestQueue(k int) *Queue {
	q := New(k, zerolog.Nop())
	return q
}

func TestQueueRunsSingleJobToCompletion(t *testing.T) {
	is := is.New(t)

	q := newTestQueue(1)
	defer q.Stop()

	sink := &fakeSink{}
	done := make(chan struct{})
	q.Submit(Job{
		DevID: "dev-1",
		Sink:  sink,
		Run: func(ctx context.Context) Response {
			close(done)
			return Response{Status: 200, Body: []byte("ok")}
		},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}

	is.True(eventuallyTrue(func() bool { return sink.wroteResponse() }))
}

func TestQueueEnforcesPerDeviceExclusion(t *testing.T) {
	is := is.New(t)

	q := newTestQueue(4)
	defer q.Stop()

	started := make(chan string, 4)
	release := make(chan struct{})

	q.Submit(blockingJob("dev-1", started, release))
	q.Submit(blockingJob("dev-1", started, release))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first job for dev-1 never started")
	}

	select {
	case <-started:
		t.Fatal("second job for dev-1 started while the first is still running")
	case <-time.After(150 * time.Millisecond):
	}

	close(release)
	is.True(true)
}

func TestQueueEnforcesConcurrencyBound(t *testing.T) {
	is := is.New(t)

	q := newTestQueue(2)
	defer q.Stop()

	started := make(chan string, 3)
	release := make(chan struct{})

	q.Submit(blockingJob("dev-1", started, release))
	q.Submit(blockingJob("dev-2", started, release))
	q.Submit(blockingJob("dev-3", started, release))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-started:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("expected two jobs to start concurrently")
		}
	}
	is.Equal(len(seen), 2)

	select {
	case <-started:
		t.Fatal("a third job started before a running slot freed up")
	case <-time.After(150 * time.Millisecond):
	}

	close(release)
}

// TestQueueFairnessScenario mirrors the spec's K=2 fairness example:
// jobs are submitted for devices A, B, A, C. The second A must wait
// behind the first (same device), but keeps its FIFO place ahead of C
// once a slot frees -- expected start order is A, B, (second A), C,
// with the second A running concurrently with whichever of B/C is
// still in flight.
func TestQueueFairnessScenario(t *testing.T) {
	is := is.New(t)

	q := newTestQueue(2)
	defer q.Stop()

	started := make(chan string, 8)
	releaseA1 := make(chan struct{})
	releaseB := make(chan struct{})
	releaseA2 := make(chan struct{})
	releaseC := make(chan struct{})

	jobA1 := Job{DevID: "A", Sink: &fakeSink{}, Run: func(ctx context.Context) Response {
		started <- "A"
		<-releaseA1
		return Response{}
	}}
	jobB := Job{DevID: "B", Sink: &fakeSink{}, Run: func(ctx context.Context) Response {
		started <- "B"
		<-releaseB
		return Response{}
	}}
	jobA2 := Job{DevID: "A", Sink: &fakeSink{}, Run: func(ctx context.Context) Response {
		started <- "A2"
		<-releaseA2
		return Response{}
	}}
	jobC := Job{DevID: "C", Sink: &fakeSink{}, Run: func(ctx context.Context) Response {
		started <- "C"
		<-releaseC
		return Response{}
	}}

	q.Submit(jobA1)
	q.Submit(jobB)
	q.Submit(jobA2)
	q.Submit(jobC)

	first := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-started:
			first[id] = true
		case <-time.After(time.Second):
			t.Fatal("expected A and B to start immediately")
		}
	}
	is.True(first["A"])
	is.True(first["B"])

	close(releaseA1)

	select {
	case id := <-started:
		is.Equal(id, "A2")
	case <-time.After(time.Second):
		t.Fatal("the second A job should start once the first A job frees a slot, ahead of C")
	}

	close(releaseB)

	select {
	case id := <-started:
		is.Equal(id, "C")
	case <-time.After(time.Second):
		t.Fatal("C should start once B frees its slot")
	}

	close(releaseA2)
	close(releaseC)
}

func TestQueueDiscardsResponseWhenSinkClosed(t *testing.T) {
	is := is.New(t)

	q := newTestQueue(1)
	defer q.Stop()

	sink := &fakeSink{}
	sink.setClosed(true)

	done := make(chan struct{})
	q.Submit(Job{
		DevID: "dev-1",
		Sink:  sink,
		Run: func(ctx context.Context) Response {
			defer close(done)
			return Response{Status: 200}
		},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}

	time.Sleep(50 * time.Millisecond)
	is.True(!sink.wroteResponse())
}

func eventuallyTrue(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
