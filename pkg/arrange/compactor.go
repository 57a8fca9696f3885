// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package arrange

import (
	"context"
	"time"

	"github.com/cockroachdb/delta/pkg/util/ctxgroup"
	"github.com/cockroachdb/delta/pkg/util/log"
	"github.com/cockroachdb/delta/pkg/util/syncutil"
	"github.com/cockroachdb/delta/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
)

// DefaultCompactionInterval is how often the compactor makes a pass over
// registered arrangements when nothing kicks it sooner.
const DefaultCompactionInterval = time.Second

// Compactor periodically advances the since frontier of every registered
// arrangement to the floor its compaction window allows. It runs a single
// background goroutine; a pass can also be requested eagerly with Kick,
// typically after a window change.
type Compactor struct {
	interval time.Duration
	kickC    chan struct{}
	cancel   context.CancelFunc
	g        ctxgroup.Group

	mu struct {
		syncutil.Mutex
		arrs []*Arrangement
	}
}

// NewCompactor returns a Compactor making a pass every interval.
// A non-positive interval means DefaultCompactionInterval.
func NewCompactor(interval time.Duration) *Compactor {
	if interval <= 0 {
		interval = DefaultCompactionInterval
	}
	return &Compactor{
		interval: interval,
		kickC:    make(chan struct{}, 1),
	}
}

// Register adds an arrangement to the compactor's pass. Registering an
// arrangement more than once is an error of the caller's; the compactor does
// not deduplicate.
func (c *Compactor) Register(a *Arrangement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.arrs = append(c.mu.arrs, a)
}

// Deregister removes an arrangement from the compactor's pass.
func (c *Compactor) Deregister(a *Arrangement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, reg := range c.mu.arrs {
		if reg == a {
			c.mu.arrs = append(c.mu.arrs[:i], c.mu.arrs[i+1:]...)
			return
		}
	}
}

// Kick requests an eager pass. It never blocks; if a pass is already
// pending the kick coalesces with it.
func (c *Compactor) Kick() {
	select {
	case c.kickC <- struct{}{}:
	default:
	}
}

// Start launches the background pass loop. It must be called at most once.
// Use Stop to halt the loop and wait for it to exit.
func (c *Compactor) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.g = ctxgroup.WithContext(ctx)
	c.g.GoCtx(c.run)
	log.VEventf(ctx, 1, "compactor: started (interval %s)", c.interval)
}

// Stop halts the pass loop and waits for it to exit. It is a no-op if Start
// was never called.
func (c *Compactor) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	if err := c.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf(context.Background(), "compactor: shutdown error: %v", err)
	}
}

func (c *Compactor) run(ctx context.Context) error {
	var timer timeutil.Timer
	defer timer.Stop()
	for {
		timer.Reset(c.interval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			timer.Read = true
		case <-c.kickC:
		}
		c.pass(ctx)
	}
}

// pass advances each registered arrangement's since frontier to its window's
// floor. Arrangements that have closed are dropped from the registry.
func (c *Compactor) pass(ctx context.Context) {
	c.mu.Lock()
	arrs := append([]*Arrangement(nil), c.mu.arrs...)
	c.mu.Unlock()

	for _, a := range arrs {
		target := a.Window().floor(a.Watermark())
		if !a.Since().Less(target) {
			continue
		}
		if _, err := a.AdvanceSince(ctx, target); err != nil {
			if errors.Is(err, ErrClosed) {
				c.Deregister(a)
				continue
			}
			log.Errorf(ctx, "compactor: %s: %v", a.Name(), err)
		}
	}
}
