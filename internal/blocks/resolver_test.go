package blocks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addVelocity = `{
	"time": 1751304246864,
	"type": "addBlock",
	"args": [
		"<script><block collabId=\"item_454\" s=\"setXVelocity\"><l>0</l></block></script>",
		"item_0", 98, 225, ["b1"]
	]
}`

func mustParse(t *testing.T, raw string) ActionEvent {
	t.Helper()
	ev, err := ParseActionEvent([]byte(raw))
	require.NoError(t, err)
	return ev
}

func TestResolver_AddThenFieldResolvesSameLabel(t *testing.T) {
	r := NewResolver(nil)

	label := r.Resolve(mustParse(t, addVelocity))
	assert.Equal(t, "setXVelocity", label)

	got, ok := r.Lookup("b1")
	require.True(t, ok)
	assert.Equal(t, "setXVelocity", got)

	field := mustParse(t, `{"time": 1751304247000, "type": "setField", "args": ["b1/0", "5"]}`)
	assert.Equal(t, KindSetField, field.Kind)
	assert.Equal(t, "setXVelocity", r.Resolve(field))
}

func TestResolver_AddWithEmptyMarkupLeavesTableUntouched(t *testing.T) {
	r := NewResolver(nil)

	label := r.Resolve(mustParse(t, `{"time": 1, "type": "addBlock", "args": ["", "item_0", 0, 0, ["b9"]]}`))

	assert.Empty(t, label)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, r.Misses())
}

func TestResolver_AddWithoutSelectorIsDiagnosed(t *testing.T) {
	r := NewResolver(nil)

	label := r.OnAdd([]byte(`{"args": ["<script><block collabId=\"x\"></block></script>", "item_0", 0, 0, ["b2"]]}`))

	assert.Empty(t, label)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, r.Misses())
}

func TestResolver_MoveWithFalsyIDKeepsExistingEntry(t *testing.T) {
	r := NewResolver(nil)
	r.Resolve(mustParse(t, addVelocity))

	for _, raw := range []string{
		`{"time": 2, "type": "moveBlock", "args": ["<block s=\"forward\"/>", "item_0", 0, 0, [[""]]]}`,
		`{"time": 3, "type": "moveBlock", "args": ["<block s=\"forward\"/>", "item_0", 0, 0, [[null]]]}`,
		`{"time": 4, "type": "moveBlock", "args": ["<block s=\"forward\"/>", "item_0", 0, 0, []]}`,
	} {
		label := r.Resolve(mustParse(t, raw))
		assert.Equal(t, "forward", label)
	}

	got, _ := r.Lookup("b1")
	assert.Equal(t, "setXVelocity", got)
	assert.Equal(t, 1, r.Len())
}

func TestResolver_MoveWithIDOverwrites(t *testing.T) {
	r := NewResolver(nil)
	r.Resolve(mustParse(t, addVelocity))

	label := r.Resolve(mustParse(t, `{"time": 5, "type": "moveBlock", "args": ["<block s=\"setYVelocity\"/>", "item_0", 0, 0, [["b1"]]]}`))

	assert.Equal(t, "setYVelocity", label)
	got, _ := r.Lookup("b1")
	assert.Equal(t, "setYVelocity", got)
}

func TestResolver_RemovedBlockStillResolves(t *testing.T) {
	r := NewResolver(nil)
	r.Resolve(mustParse(t, addVelocity))

	assert.Equal(t, "setXVelocity", r.Resolve(mustParse(t, `{"time": 6, "type": "removeBlock", "args": ["b1"]}`)))
	assert.Equal(t, "setXVelocity", r.Resolve(mustParse(t, `{"time": 7, "type": "setBlockPosition", "args": ["b1/pos", 10, 20]}`)))
	assert.Equal(t, 1, r.Len())
}

func TestResolver_UnknownKeyYieldsEmptyLabel(t *testing.T) {
	r := NewResolver(nil)

	assert.Empty(t, r.Resolve(mustParse(t, `{"time": 8, "type": "setField", "args": ["nope/1", "x"]}`)))
	assert.Equal(t, 1, r.Misses())

	_, err := r.Label("nope")
	assert.ErrorIs(t, err, ErrUnknownBlock)
}

func TestResolver_OtherKindsPassThrough(t *testing.T) {
	r := NewResolver(nil)

	ev := mustParse(t, `{"time": 9, "type": "pause", "args": []}`)
	assert.Equal(t, KindOther, ev.Kind)
	assert.Empty(t, r.Resolve(ev))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Misses())
}

func TestResolver_TablesAreIndependentPerInstance(t *testing.T) {
	alice := NewResolver(nil)
	bob := NewResolver(nil)

	alice.Resolve(mustParse(t, addVelocity))

	_, ok := bob.Lookup("b1")
	assert.False(t, ok)
}

func TestParseActionEvent_RejectsMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `[1,2]`, `{"time": 1}`} {
		_, err := ParseActionEvent([]byte(raw))
		assert.Error(t, err, raw)
	}
}
