// Package tiling implements the exhaustive-retrieval engine. A region is
// fetched as one tile; every tile whose response hit the service's cap is
// subdivided into its quadrants and refetched, until all leaves are complete
// or the depth bound is reached. The parent result of a subdivided tile is
// discarded, its features are a strict subset of what the children return.
package tiling

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/urbex/urbex/bbox"
	"github.com/urbex/urbex/mathhelp"
	"github.com/urbex/urbex/wfs"
)

// Source is the capped feature source the engine drains a region through.
type Source interface {
	Fetch(ctx context.Context, box bbox.Box, layer string) (wfs.TileResult, error)
}

// Config drives one retrieval run.
type Config struct {
	Layer string
	// MaxDepth bounds the subdivision as a safety net against pathological
	// clustering. A tile still capped at MaxDepth is emitted as-is and the
	// run is flagged possibly incomplete.
	MaxDepth uint `default:"20" validate:"min=1"`
	// Workers is the number of concurrent fetches draining the work stack
	Workers int `default:"1" validate:"min=1"`
	Logger  zerolog.Logger
}

// Result is the output of a finished traversal: the terminal leaves in
// completion order plus the bookkeeping the job survives on.
type Result struct {
	Tiles    []wfs.TileResult
	Requests int
	// PossiblyIncomplete is true when a branch hit the depth bound while
	// still capped, a branch was abandoned after exhausted retries, or the
	// run was cancelled before the work stack drained.
	PossiblyIncomplete bool
	// AbandonedTiles counts branches given up on after exhausted retries
	AbandonedTiles int
}

// Engine traverses a region depth-first over an explicit stack of pending
// boxes, so depth and memory stay bounded and inspectable.
type Engine struct {
	source Source
	cfg    Config
}

func NewEngine(source Source, cfg Config) *Engine {
	if cfg.MaxDepth < 1 {
		cfg.MaxDepth = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{source: source, cfg: cfg}
}

type pendingTile struct {
	box   bbox.Box
	depth uint
}

// Run retrieves all features in the root box. A degenerate root is the one
// fatal error; every other failure degrades to a flagged partial result.
func (e *Engine) Run(ctx context.Context, root bbox.Box) (*Result, error) {
	if err := root.Validate(); err != nil {
		return nil, err
	}
	e.cfg.Logger.Debug().Str("box", root.String()).Uint("maxdepth", e.cfg.MaxDepth).
		Uint("worst_case_requests", boundRequests(e.cfg.MaxDepth)).Msg("starting traversal")

	queue := newWorkQueue(pendingTile{box: root, depth: 0})
	result := &Result{}
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.drain(ctx, queue, result, &mu)
		}()
	}

	// cancellation stops scheduling, in-flight fetches finish on their own
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			queue.close()
		case <-done:
		}
	}()

	wg.Wait()
	close(done)

	if leftover := queue.len(); leftover > 0 {
		mu.Lock()
		result.PossiblyIncomplete = true
		mu.Unlock()
		e.cfg.Logger.Warn().Int("pending", leftover).Msg("traversal cancelled before the work stack drained")
	}
	return result, nil
}

func (e *Engine) drain(ctx context.Context, queue *workQueue, result *Result, mu *sync.Mutex) {
	for {
		tile, ok := queue.pop()
		if !ok {
			return
		}

		fetched, err := e.source.Fetch(ctx, tile.box, e.cfg.Layer)
		mu.Lock()
		result.Requests++
		mu.Unlock()

		switch {
		case errors.Is(err, wfs.ErrSourceUnavailable):
			// abandon this branch, the others keep going
			e.cfg.Logger.Warn().Err(err).Str("box", tile.box.String()).Msg("abandoning branch")
			mu.Lock()
			result.PossiblyIncomplete = true
			result.AbandonedTiles++
			mu.Unlock()
		case err != nil:
			e.cfg.Logger.Error().Err(err).Str("box", tile.box.String()).Msg("abandoning branch")
			mu.Lock()
			result.PossiblyIncomplete = true
			result.AbandonedTiles++
			mu.Unlock()
		case fetched.Capped && tile.depth < e.cfg.MaxDepth:
			// discard the parent's features, the children supersede them
			for _, child := range tile.box.Subdivide() {
				queue.push(pendingTile{box: child, depth: tile.depth + 1})
			}
		default:
			if fetched.Capped {
				e.cfg.Logger.Warn().Str("box", tile.box.String()).Uint("depth", tile.depth).
					Msg("still capped at max depth, emitting truncated leaf")
			}
			mu.Lock()
			result.Tiles = append(result.Tiles, fetched)
			if fetched.Capped {
				result.PossiblyIncomplete = true
			}
			mu.Unlock()
		}
		queue.finish()
	}
}

// boundRequests is the worst-case request count for a full quadtree of the
// given depth: 4^0 + 4^1 + ... + 4^depth.
func boundRequests(depth uint) uint {
	var n uint
	for level := uint(0); level <= depth; level++ {
		n += mathhelp.Pow2(2 * level)
	}
	return n
}

// workQueue is a LIFO stack of pending tiles shared by the workers. It
// counts in-flight tiles so workers block on a momentarily empty stack
// instead of exiting while a sibling may still push children.
type workQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []pendingTile
	active int
	closed bool
}

func newWorkQueue(root pendingTile) *workQueue {
	q := &workQueue{items: []pendingTile{root}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// pop blocks until a tile is available or the traversal is over. The popped
// tile counts as in-flight until finish is called.
func (q *workQueue) pop() (pendingTile, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return pendingTile{}, false
		}
		if n := len(q.items); n > 0 {
			tile := q.items[n-1]
			q.items = q.items[:n-1]
			q.active++
			return tile, true
		}
		if q.active == 0 {
			q.closed = true
			q.cond.Broadcast()
			return pendingTile{}, false
		}
		q.cond.Wait()
	}
}

func (q *workQueue) push(tile pendingTile) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, tile)
	q.cond.Signal()
}

// finish marks one popped tile as handled.
func (q *workQueue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active--
	if q.active == 0 && len(q.items) == 0 {
		q.closed = true
	}
	q.cond.Broadcast()
}

func (q *workQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
