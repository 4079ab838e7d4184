package unified

import (
	"sync"
	"sync/atomic"

	"github.com/born-ml/tensorcore/internal/tensor"
)

type command struct {
	kernel string
	fn     func() error
	done   chan error
}

// stream executes submitted kernels one at a time, in submission order, on a
// dedicated goroutine.
type stream struct {
	queue chan command
	quit  chan struct{}
	wg    sync.WaitGroup

	// rw orders submissions against stop: submitters hold the read lock
	// until their command completes.
	rw     sync.RWMutex
	closed bool

	submitted atomic.Uint64
}

func newStream(depth int) *stream {
	s := &stream{
		queue: make(chan command, depth),
		quit:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *stream) loop() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.queue:
			cmd.done <- s.execute(cmd)
		case <-s.quit:
			return
		}
	}
}

func (s *stream) execute(cmd command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = tensor.DeviceErrorf(cmd.kernel, "kernel panicked: %v", r)
		}
	}()
	return cmd.fn()
}

// submit enqueues fn and blocks until it has run.
func (s *stream) submit(kernel string, fn func() error) error {
	s.rw.RLock()
	defer s.rw.RUnlock()
	if s.closed {
		return tensor.DeviceErrorf(kernel, "unified context is closed")
	}
	cmd := command{kernel: kernel, fn: fn, done: make(chan error, 1)}
	s.queue <- cmd
	s.submitted.Add(1)
	return <-cmd.done
}

// stop waits for in-flight commands, then ends the goroutine. Later
// submissions fail with a DeviceError.
func (s *stream) stop() {
	s.rw.Lock()
	if s.closed {
		s.rw.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.rw.Unlock()
	s.wg.Wait()
}
