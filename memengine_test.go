package shareddoc

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/goccy/go-json"
)

func TestMemEngineConvergence(t *testing.T) {
	docA := NewDoc()
	docB := NewDoc()

	mA, err := docA.GetMap("m")
	assert.Equal(t, err, nil)
	mB, err := docB.GetMap("m")
	assert.Equal(t, err, nil)

	// concurrent writes to the same key
	assert.Equal(t, mA.Set("x", "from a"), nil)
	assert.Equal(t, mB.Set("x", "from b"), nil)

	updateA, err := docA.GetUpdate(docB.GetState())
	assert.Equal(t, err, nil)
	updateB, err := docB.GetUpdate(docA.GetState())
	assert.Equal(t, err, nil)
	assert.Equal(t, docB.ApplyUpdate(updateA), nil)
	assert.Equal(t, docA.ApplyUpdate(updateB), nil)

	// both replicas picked the same winner
	assert.Equal(t, mA.String(), mB.String())
}

func TestMemEngineCausalOverwrite(t *testing.T) {
	docA := NewDoc()
	docB := NewDoc()

	mA, err := docA.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, mA.Set("x", 1), nil)

	update, err := docA.GetUpdate(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, docB.ApplyUpdate(update), nil)

	// a write that causally follows must win regardless of client order
	mB, err := docB.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, mB.Set("x", 2), nil)

	update, err = docB.GetUpdate(docA.GetState())
	assert.Equal(t, err, nil)
	assert.Equal(t, docA.ApplyUpdate(update), nil)

	value, ok := mA.Get("x")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, float64(2))
}

func TestMemEngineStateVectorDiff(t *testing.T) {
	docA := NewDoc()
	docB := NewDoc()

	mA, err := docA.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, mA.Set("x", 1), nil)

	update, err := docA.GetUpdate(docB.GetState())
	assert.Equal(t, err, nil)
	assert.Equal(t, docB.ApplyUpdate(update), nil)

	// after sync the diff is empty
	update, err = docA.GetUpdate(docB.GetState())
	assert.Equal(t, err, nil)
	ops := []memOp{}
	assert.Equal(t, json.Unmarshal(update, &ops), nil)
	assert.Equal(t, len(ops), 0)
}

func TestMemEngineMalformedState(t *testing.T) {
	doc := NewDoc()
	_, err := doc.GetUpdate([]byte("not a state vector"))
	assert.NotEqual(t, err, nil)
}

func TestMemEngineBranchIds(t *testing.T) {
	// root addresses derive from the root name, so replicas agree without
	// coordination
	assert.Equal(t, rootBranchId("m"), rootBranchId("m"))
	assert.Equal(t, rootBranchId("m") != rootBranchId("n"), true)
	assert.Equal(t, nestedBranchId(1, 1) != nestedBranchId(1, 2), true)
	assert.Equal(t, nestedBranchId(1, 1) != nestedBranchId(2, 1), true)
}

func TestMemEngineListConvergenceAfterSync(t *testing.T) {
	docA := NewDoc()
	docB := NewDoc()

	lA, err := docA.GetList("l")
	assert.Equal(t, err, nil)
	assert.Equal(t, lA.Append("a"), nil)
	assert.Equal(t, lA.Append("b"), nil)

	update, err := docA.GetUpdate(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, docB.ApplyUpdate(update), nil)

	lB, err := docB.GetList("l")
	assert.Equal(t, err, nil)
	assert.Equal(t, lB.Slice(), []any{"a", "b"})

	assert.Equal(t, lB.Insert(1, "x"), nil)
	update, err = docB.GetUpdate(docA.GetState())
	assert.Equal(t, err, nil)
	assert.Equal(t, docA.ApplyUpdate(update), nil)
	assert.Equal(t, lA.String(), lB.String())
}

func TestMemEngineTextSync(t *testing.T) {
	docA := NewDoc()
	docB := NewDoc()

	tA, err := docA.GetText("t")
	assert.Equal(t, err, nil)
	assert.Equal(t, tA.Append("hello"), nil)
	assert.Equal(t, tA.Insert(5, " world"), nil)
	assert.Equal(t, tA.Delete(0, 1), nil)

	update, err := docA.GetUpdate(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, docB.ApplyUpdate(update), nil)

	tB, err := docB.GetText("t")
	assert.Equal(t, err, nil)
	assert.Equal(t, tB.String(), "ello world")
}
