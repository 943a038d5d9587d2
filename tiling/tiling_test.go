package tiling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbex/urbex/bbox"
	"github.com/urbex/urbex/mathhelp"
	"github.com/urbex/urbex/wfs"
)

// synthFeature is a feature anchored at one or two points. A second point
// simulates a geometry straddling a subdivision edge: the feature is then
// returned by every tile containing either point.
type synthFeature struct {
	id   string
	at   [2]float64
	also *[2]float64
}

type mockSource struct {
	mu       sync.Mutex
	cap      int
	features []synthFeature
	failing  map[bbox.Box]struct{}
	requests []bbox.Box
}

func (s *mockSource) Fetch(ctx context.Context, box bbox.Box, _ string) (wfs.TileResult, error) {
	if err := ctx.Err(); err != nil {
		return wfs.TileResult{Box: box}, fmt.Errorf("%w: %v", wfs.ErrSourceUnavailable, err)
	}
	s.mu.Lock()
	s.requests = append(s.requests, box)
	s.mu.Unlock()

	if _, fails := s.failing[box]; fails {
		return wfs.TileResult{Box: box}, fmt.Errorf("%w: injected failure", wfs.ErrSourceUnavailable)
	}

	result := wfs.TileResult{Box: box}
	for _, f := range s.features {
		if box.Contains(f.at) || (f.also != nil && box.Contains(*f.also)) {
			result.Features = append(result.Features, wfs.Feature{ID: f.id})
		}
	}
	if len(result.Features) >= s.cap {
		result.Features = result.Features[:s.cap]
		result.Capped = true
	}
	return result, nil
}

func (s *mockSource) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func uniqueIDs(result *Result) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, tile := range result.Tiles {
		for _, f := range tile.Features {
			if _, ok := seen[f.ID]; ok {
				continue
			}
			seen[f.ID] = struct{}{}
			ids = append(ids, f.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Five features spread so every quadrant stays below a cap of 3: one capped
// root request plus four uncapped child requests retrieve all of them.
func TestRunSubdividesOnceAndFindsAll(t *testing.T) {
	source := &mockSource{
		cap: 3,
		features: []synthFeature{
			{id: "a", at: [2]float64{0.1, 0.1}},
			{id: "b", at: [2]float64{0.4, 0.4}},
			{id: "c", at: [2]float64{0.9, 0.1}},
			{id: "d", at: [2]float64{0.1, 0.9}},
			{id: "e", at: [2]float64{0.9, 0.9}},
		},
	}
	engine := NewEngine(source, Config{Layer: "test", MaxDepth: 20})

	result, err := engine.Run(context.Background(), bbox.Box{0, 0, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Requests)
	assert.Equal(t, 5, source.requestCount())
	assert.False(t, result.PossiblyIncomplete)
	assert.Len(t, result.Tiles, 4)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, uniqueIDs(result))
}

// No-loss property: whatever the cap, every synthetic feature is present in
// the emitted leaves.
func TestRunLosesNothing(t *testing.T) {
	var features []synthFeature
	for i := 0; i < 40; i++ {
		features = append(features, synthFeature{
			id: fmt.Sprintf("f%02d", i),
			at: [2]float64{float64(i%8) / 8.1, float64(i/8) / 5.1},
		})
	}
	var wantIDs []string
	for _, f := range features {
		wantIDs = append(wantIDs, f.id)
	}
	sort.Strings(wantIDs)

	for _, cap := range []int{1, 2, 5, 41} {
		t.Run(fmt.Sprintf("cap %d", cap), func(t *testing.T) {
			source := &mockSource{cap: cap, features: features}
			engine := NewEngine(source, Config{Layer: "test", MaxDepth: 20})
			result, err := engine.Run(context.Background(), bbox.Box{0, 0, 1, 1})
			require.NoError(t, err)
			if cap > 1 {
				// with cap 1 a lone feature can never prove its tile
				// complete, so only the id set is checked there
				assert.False(t, result.PossiblyIncomplete)
			}
			assert.Equal(t, wantIDs, uniqueIDs(result))
		})
	}
}

// All features share one point, so no subdivision can ever uncap the tile.
// The engine must emit the truncated leaf at the depth bound and flag the
// run, within the quadtree's worst-case request count.
func TestRunTerminatesAtDepthBound(t *testing.T) {
	var features []synthFeature
	for i := 0; i < 10; i++ {
		features = append(features, synthFeature{id: fmt.Sprintf("c%d", i), at: [2]float64{0.3, 0.3}})
	}
	const maxDepth = 3
	source := &mockSource{cap: 1, features: features}
	engine := NewEngine(source, Config{Layer: "test", MaxDepth: maxDepth})

	result, err := engine.Run(context.Background(), bbox.Box{0, 0, 1, 1})
	require.NoError(t, err)
	assert.True(t, result.PossiblyIncomplete)

	var bound uint
	for level := uint(0); level <= maxDepth; level++ {
		bound += mathhelp.Pow2(2 * level)
	}
	assert.LessOrEqual(t, result.Requests, int(bound))
	// one capped branch per level, the three empty siblings are leaves
	assert.Equal(t, 1+4*maxDepth, result.Requests)
	assert.Equal(t, []string{"c0"}, uniqueIDs(result))
}

// One child branch keeps failing: the job finishes with the other branches'
// features intact and the result flagged.
func TestRunAbandonsFailingBranch(t *testing.T) {
	failing := bbox.Box{0, 0, 0.5, 0.5}
	source := &mockSource{
		cap: 3,
		features: []synthFeature{
			{id: "a", at: [2]float64{0.1, 0.1}}, // inside the failing branch
			{id: "b", at: [2]float64{0.4, 0.4}}, // inside the failing branch
			{id: "c", at: [2]float64{0.9, 0.1}},
			{id: "d", at: [2]float64{0.1, 0.9}},
			{id: "e", at: [2]float64{0.9, 0.9}},
		},
		failing: map[bbox.Box]struct{}{failing: {}},
	}
	engine := NewEngine(source, Config{Layer: "test", MaxDepth: 20})

	result, err := engine.Run(context.Background(), bbox.Box{0, 0, 1, 1})
	require.NoError(t, err)
	assert.True(t, result.PossiblyIncomplete)
	assert.Equal(t, 1, result.AbandonedTiles)
	assert.Len(t, result.Tiles, 3)
	assert.Equal(t, []string{"c", "d", "e"}, uniqueIDs(result))
}

func TestRunEmptyRegionIsALeaf(t *testing.T) {
	source := &mockSource{cap: 5}
	engine := NewEngine(source, Config{Layer: "test", MaxDepth: 20})

	result, err := engine.Run(context.Background(), bbox.Box{0, 0, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requests)
	assert.False(t, result.PossiblyIncomplete)
	require.Len(t, result.Tiles, 1)
	assert.Empty(t, result.Tiles[0].Features)
}

func TestRunRejectsDegenerateRoot(t *testing.T) {
	source := &mockSource{cap: 5}
	engine := NewEngine(source, Config{Layer: "test", MaxDepth: 20})

	_, err := engine.Run(context.Background(), bbox.Box{1, 1, 1, 1})
	require.ErrorIs(t, err, bbox.ErrInvalidGeometry)
	assert.Zero(t, source.requestCount())
}

// Concurrent workers must find the same feature set as a single worker.
func TestRunConcurrentWorkers(t *testing.T) {
	var features []synthFeature
	for i := 0; i < 60; i++ {
		features = append(features, synthFeature{
			id: fmt.Sprintf("f%02d", i),
			at: [2]float64{float64(i%10) / 10.3, float64(i/10) / 6.7},
		})
	}
	sequential := &mockSource{cap: 4, features: features}
	concurrent := &mockSource{cap: 4, features: features}

	seqResult, err := NewEngine(sequential, Config{Layer: "test", MaxDepth: 20}).
		Run(context.Background(), bbox.Box{0, 0, 1, 1})
	require.NoError(t, err)
	conResult, err := NewEngine(concurrent, Config{Layer: "test", MaxDepth: 20, Workers: 8}).
		Run(context.Background(), bbox.Box{0, 0, 1, 1})
	require.NoError(t, err)

	assert.Equal(t, uniqueIDs(seqResult), uniqueIDs(conResult))
	assert.Equal(t, seqResult.Requests, conResult.Requests)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := &mockSource{cap: 2, features: []synthFeature{
		{id: "a", at: [2]float64{0.1, 0.1}},
		{id: "b", at: [2]float64{0.2, 0.2}},
		{id: "c", at: [2]float64{0.8, 0.8}},
	}}
	engine := NewEngine(source, Config{Layer: "test", MaxDepth: 20, Workers: 2})

	result, err := engine.Run(ctx, bbox.Box{0, 0, 1, 1})
	require.NoError(t, err)
	assert.True(t, result.PossiblyIncomplete)
}
