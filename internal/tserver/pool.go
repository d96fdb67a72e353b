package tserver

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/shale-io/shale/internal/kv"
)

// pool runs read-ahead work with bounded concurrency. Work waiting for a
// slot is queued in submission order.
type pool struct {
	active *semaphore.Weighted
	ctx    context.Context
	wg     sync.WaitGroup
}

func newPool(ctx context.Context, limit int) *pool {
	return &pool{
		active: semaphore.NewWeighted(int64(max(limit, 1))),
		ctx:    ctx,
	}
}

// submit runs fn once a slot frees up. fn is dropped if the pool shuts
// down first.
func (p *pool) submit(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.active.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.active.Release(1)
		fn()
	}()
}

// pools holds one pool per tablet class so user scans can not starve
// metadata reads.
type pools struct {
	cancel context.CancelFunc
	byType map[kv.Class]*pool
}

func newPools(user, metadata int) *pools {
	ctx, cancel := context.WithCancel(context.Background())
	return &pools{
		cancel: cancel,
		byType: map[kv.Class]*pool{
			kv.ClassRoot:     newPool(ctx, metadata),
			kv.ClassMetadata: newPool(ctx, metadata),
			kv.ClassUser:     newPool(ctx, user),
		},
	}
}

func (p *pools) submit(class kv.Class, fn func()) {
	p.byType[class].submit(fn)
}

// close drops queued work and waits for running work to finish.
func (p *pools) close() {
	p.cancel()
	for _, pl := range p.byType {
		pl.wg.Wait()
	}
}
