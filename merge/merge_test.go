package merge

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/urbex/urbex/bbox"
	"github.com/urbex/urbex/wfs"
)

func feat(id, payload string) wfs.Feature {
	return wfs.Feature{ID: id, Raw: json.RawMessage(payload)}
}

func TestMerge(t *testing.T) {
	left := bbox.Box{0, 0, 1, 2}
	right := bbox.Box{1, 0, 2, 2}

	tests := []struct {
		name         string
		tiles        []wfs.TileResult
		wantIDs      []string
		wantWarnings int
	}{
		{
			name: "disjoint tiles",
			tiles: []wfs.TileResult{
				{Box: left, Features: []wfs.Feature{feat("a", `{"id":"a"}`)}},
				{Box: right, Features: []wfs.Feature{feat("b", `{"id":"b"}`)}},
			},
			wantIDs: []string{"a", "b"},
		},
		{
			name: "straddling feature returned by both neighbours",
			tiles: []wfs.TileResult{
				{Box: left, Features: []wfs.Feature{feat("a", `{"id":"a"}`), feat("s", `{"id":"s"}`)}},
				{Box: right, Features: []wfs.Feature{feat("s", `{"id":"s"}`), feat("b", `{"id":"b"}`)}},
			},
			wantIDs: []string{"a", "s", "b"},
		},
		{
			name: "mismatched duplicate payload is a warning, first copy wins",
			tiles: []wfs.TileResult{
				{Box: left, Features: []wfs.Feature{feat("s", `{"id":"s","rev":1}`)}},
				{Box: right, Features: []wfs.Feature{feat("s", `{"id":"s","rev":2}`)}},
			},
			wantIDs:      []string{"s"},
			wantWarnings: 1,
		},
		{
			name:    "no tiles",
			tiles:   nil,
			wantIDs: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.tiles, zerolog.Nop())
			assert.Equal(t, tt.wantIDs, got.IDs())
			assert.Equal(t, len(tt.wantIDs), got.Len())
			assert.Equal(t, tt.wantWarnings, got.Warnings())
		})
	}
}

func TestMergeKeepsFirstSeenCopy(t *testing.T) {
	left := bbox.Box{0, 0, 1, 2}
	right := bbox.Box{1, 0, 2, 2}
	tiles := []wfs.TileResult{
		// given in reverse order on purpose: the sort by box decides
		// which copy is first-seen, not the fetch order
		{Box: right, Features: []wfs.Feature{feat("s", `{"seen":"right"}`)}},
		{Box: left, Features: []wfs.Feature{feat("s", `{"seen":"left"}`)}},
	}
	got := Merge(tiles, zerolog.Nop())
	features := got.Features()
	assert.Len(t, features, 1)
	assert.JSONEq(t, `{"seen":"left"}`, string(features[0].Raw))
}

// Running the merge twice over the same tiles, whatever their arrival order,
// yields the same collection in the same order.
func TestMergeIsIdempotentAndOrderIndependent(t *testing.T) {
	boxes := bbox.Box{0, 0, 2, 2}.Subdivide()
	tiles := []wfs.TileResult{
		{Box: boxes[0], Features: []wfs.Feature{feat("d", `{}`), feat("c", `{}`)}},
		{Box: boxes[1], Features: []wfs.Feature{feat("b", `{}`)}},
		{Box: boxes[2], Features: []wfs.Feature{feat("a", `{}`), feat("b", `{}`)}},
		{Box: boxes[3], Features: []wfs.Feature{}},
	}
	reversed := []wfs.TileResult{tiles[3], tiles[2], tiles[1], tiles[0]}

	first := Merge(tiles, zerolog.Nop())
	second := Merge(reversed, zerolog.Nop())
	assert.Equal(t, first.IDs(), second.IDs())
	assert.Equal(t, first.Features(), second.Features())
	assert.Zero(t, first.Warnings())
}
