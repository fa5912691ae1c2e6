package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/yungbote/graphstage/internal/domain/ingest"
)

// Locker grants exclusive ownership of a run key. A held key fails with ingest.ErrRunCollision.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// Recorder persists the batch record of a run. Begin fails with ingest.ErrRunCollision while
// another run owns the same key.
type Recorder interface {
	Begin(ctx context.Context, rec *ingest.BatchRecord) error
	Heartbeat(ctx context.Context, rec *ingest.BatchRecord) error
	Finish(ctx context.Context, rec *ingest.BatchRecord, status ingest.BatchStatus, report []byte) error
}

// LocalGuard is an in-process Locker.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: map[string]struct{}{}}
}

func (g *LocalGuard) Acquire(_ context.Context, key string) (func(context.Context) error, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[key]; ok {
		return nil, fmt.Errorf("run %s already active in this process: %w", key, ingest.ErrRunCollision)
	}
	g.held[key] = struct{}{}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
		return nil
	}, nil
}

var processGuard = NewLocalGuard()
