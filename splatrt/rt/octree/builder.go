package octree

import (
	"context"
	"sync"
)

// Builder runs tree builds off the caller's goroutine.
type Builder struct {
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	disposed bool
	wg       sync.WaitGroup
}

func NewBuilder() *Builder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Builder{ctx: ctx, cancel: cancel}
}

// Pending is the eventual result of Builder.Start.
type Pending struct {
	b      *Builder
	cancel context.CancelFunc
	done   chan struct{}
	tree   *Tree
	err    error
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the build finishes or ctx ends. Once the builder is
// disposed Wait never returns a tree.
func (p *Pending) Wait(ctx context.Context) (*Tree, error) {
	select {
	case <-p.done:
		if p.b.isDisposed() {
			return nil, ErrBuildCanceled
		}
		return p.tree, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops this build and waits for its goroutine. Wait then reports
// ErrBuildCanceled unless the tree was already finished.
func (p *Pending) Cancel() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

// Start copies centers and builds a tree on a new goroutine.
func (b *Builder) Start(centers []float32, opts BuildOptions) *Pending {
	p := &Pending{b: b, done: make(chan struct{})}

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		p.err = ErrBuildCanceled
		close(p.done)
		return p
	}
	b.wg.Add(1)
	ctx, cancel := context.WithCancel(b.ctx)
	p.cancel = cancel
	b.mu.Unlock()

	owned := append([]float32(nil), centers...)
	go func() {
		defer b.wg.Done()
		defer close(p.done)
		defer cancel()
		tree, err := Build(ctx, owned, opts)
		if err != nil || ctx.Err() != nil {
			p.err = ErrBuildCanceled
			return
		}
		p.tree = tree
	}()
	return p
}

func (b *Builder) isDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// Dispose cancels running builds and waits for their goroutines to exit.
// Every pending result reports ErrBuildCanceled.
func (b *Builder) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	b.cancel()
	b.mu.Unlock()
	b.wg.Wait()
}
