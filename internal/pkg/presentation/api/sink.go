package api

import (
	"sync/atomic"

	"github.com/diwise/iotpipe/internal/pkg/application/compilequeue"
)

// httpSink bridges compilequeue's async Job/Sink protocol back to a
// synchronous HTTP handler: the handler blocks on done while the
// queue's owning goroutine runs the job on its own schedule, and
// marks itself closed if the client disconnects first so the
// eventually-finished job's result is discarded instead of written,
// per compilequeue.Sink's documented contract.
type httpSink struct {
	done   chan compilequeue.Response
	closed atomic.Bool
}

func newHTTPSink() *httpSink {
	return &httpSink{done: make(chan compilequeue.Response, 1)}
}

func (s *httpSink) Closed() bool {
	return s.closed.Load()
}

func (s *httpSink) Write(r compilequeue.Response) {
	select {
	case s.done <- r:
	default:
	}
}

func (s *httpSink) abandon() {
	s.closed.Store(true)
}
