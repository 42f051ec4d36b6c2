package sorter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
)

var ErrEngineClosed = errors.New("sorter: closed")

// WorkerInitError reports a kernel that could not be set up. It is fatal for
// the engine that requested it.
type WorkerInitError struct {
	Kernel Kernel
	Err    error
}

func (e *WorkerInitError) Error() string {
	return fmt.Sprintf("sorter: init %s kernel: %v", e.Kernel, e.Err)
}

func (e *WorkerInitError) Unwrap() error {
	return e.Err
}

type WorkerConfig struct {
	Kernel      Kernel
	BucketCount int
	// Arena selects shared mode. Nil uses copy mode.
	Arena *Arena
}

// SortRequest asks for the back to front order of Indexes under View. In
// shared mode Indexes and Distances are ignored and read from the arena.
type SortRequest struct {
	Generation uint64
	RequestID  uint64
	View       mgl32.Mat4
	Indexes    []uint32
	// Distances optionally holds one precomputed distance per scene splat.
	Distances []float32
}

// Result is the reply to one SortRequest. In shared mode Order is nil and the
// order is read from the arena.
type Result struct {
	Generation uint64
	RequestID  uint64
	Order      []uint32
	Canceled   bool
	Err        error
	Elapsed    time.Duration
}

type centersMsg struct {
	generation uint64
	centers    []float32
}

type sortMsg struct {
	req SortRequest
}

// Worker owns a kernel on its own goroutine and handles one message at a time.
type Worker struct {
	arena *Arena
	k     *kernel

	in     chan any
	out    chan Result
	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	// owned by the worker goroutine
	generation    uint64
	arenaCenters  bool
	centersLoaded bool
}

// StartWorker initializes the kernel and starts the worker goroutine.
func StartWorker(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	k, err := newKernel(cfg.Kernel, cfg.BucketCount)
	if err != nil {
		return nil, &WorkerInitError{Kernel: cfg.Kernel, Err: err}
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		arena:  cfg.Arena,
		k:      k,
		in:     make(chan any, 4),
		out:    make(chan Result, 4),
		ctx:    wctx,
		cancel: cancel,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Worker) Kernel() Kernel {
	return w.k.variant
}

// Shared reports whether the worker exchanges data through an Arena.
func (w *Worker) Shared() bool {
	return w.arena != nil
}

// Results delivers one Result per sort request. It is closed when the worker stops.
func (w *Worker) Results() <-chan Result {
	return w.out
}

// SetCenters replaces the scene for generation. In copy mode centers is
// copied; in shared mode the host must have written them to the arena.
func (w *Worker) SetCenters(generation uint64, centers []float32) error {
	m := centersMsg{generation: generation}
	if w.arena == nil {
		m.centers = append([]float32(nil), centers...)
	}
	return w.send(m)
}

// Sort queues req. In copy mode the slices are copied before sending.
func (w *Worker) Sort(req SortRequest) error {
	if w.arena == nil {
		req.Indexes = append([]uint32(nil), req.Indexes...)
		if req.Distances != nil {
			req.Distances = append([]float32(nil), req.Distances...)
		}
	} else {
		req.Indexes, req.Distances = nil, nil
	}
	return w.send(sortMsg{req: req})
}

func (w *Worker) send(m any) error {
	if w.closed.Load() {
		return ErrEngineClosed
	}
	select {
	case w.in <- m:
		return nil
	case <-w.ctx.Done():
		return ErrEngineClosed
	}
}

// Close stops the worker. Messages still queued are not processed.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.cancel()
		w.wg.Wait()
	})
}

func (w *Worker) loop() {
	defer w.wg.Done()
	defer close(w.out)
	for {
		select {
		case <-w.ctx.Done():
			return
		case m := <-w.in:
			if w.ctx.Err() != nil {
				return
			}
			switch m := m.(type) {
			case centersMsg:
				w.setCenters(m)
			case sortMsg:
				w.emit(w.sort(m.req))
			}
		}
	}
}

func (w *Worker) setCenters(m centersMsg) {
	w.generation = m.generation
	w.centersLoaded = true
	if w.arena != nil {
		// Read on the next sort, when the worker holds the token.
		w.arenaCenters = true
		return
	}
	w.k.setCenters(m.centers)
}

func (w *Worker) sort(req SortRequest) Result {
	start := time.Now()
	res := Result{Generation: req.Generation, RequestID: req.RequestID}
	if w.arena != nil {
		defer w.arena.Transfer(OwnerWorker, OwnerHost)
	}
	if req.Generation != w.generation || !w.centersLoaded {
		res.Canceled = true
		return res
	}

	indexes, distances := req.Indexes, req.Distances
	var out []uint32
	if w.arena != nil {
		var centers []float32
		centers, indexes, distances = w.arena.Inputs(OwnerWorker)
		if w.arenaCenters {
			w.k.setCenters(centers)
			w.arenaCenters = false
		}
		out = w.arena.Order(OwnerWorker, len(indexes))
	} else {
		out = make([]uint32, len(indexes))
	}

	if err := w.k.run(w.ctx, ViewRow(req.View), indexes, distances, out); err != nil {
		if w.ctx.Err() != nil {
			res.Canceled = true
			return res
		}
		res.Err = err
		return res
	}
	if w.arena == nil {
		res.Order = out
	}
	res.Elapsed = time.Since(start)
	return res
}

func (w *Worker) emit(r Result) {
	select {
	case w.out <- r:
	case <-w.ctx.Done():
	}
}
