package shareddoc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDocRoots(t *testing.T) {
	doc := NewDoc()

	m, err := doc.GetMap("m")
	assert.Equal(t, err, nil)
	l, err := doc.GetList("l")
	assert.Equal(t, err, nil)
	text, err := doc.GetText("t")
	assert.Equal(t, err, nil)

	assert.Equal(t, doc.Keys(), []string{"l", "m", "t"})

	items := doc.Items()
	assert.Equal(t, len(items), 3)
	assert.Equal(t, items["m"].(*Map) == m, true)
	assert.Equal(t, items["l"].(*List) == l, true)
	assert.Equal(t, items["t"].(*Text) == text, true)

	values := doc.Values()
	assert.Equal(t, len(values), 3)
	assert.Equal(t, values[0].Kind(), NodeKindList)
	assert.Equal(t, values[1].Kind(), NodeKindMap)
	assert.Equal(t, values[2].Kind(), NodeKindText)

	// kind mismatch on an existing root
	_, err = doc.GetList("m")
	assert.NotEqual(t, err, nil)

	// absent root is an error for read access
	_, err = doc.Get("missing")
	assert.NotEqual(t, err, nil)
}

func TestDocInvalidRootKey(t *testing.T) {
	doc := NewDoc()

	var keyErr *InvalidRootKeyError
	assert.Equal(t, errors.As(doc.Set("", NewMap()), &keyErr), true)
	_, err := doc.GetMap("")
	assert.Equal(t, errors.As(err, &keyErr), true)
}

func TestDocClientId(t *testing.T) {
	doc := NewDocWithSettings(&DocSettings{
		ClientId: 42,
	})
	assert.Equal(t, doc.ClientId(), uint64(42))

	// engine-chosen ids are distinct
	a := NewDoc()
	b := NewDoc()
	assert.Equal(t, a.ClientId() != b.ClientId(), true)
	assert.Equal(t, a.Guid() != b.Guid(), true)
}

func TestApplyUpdateSync(t *testing.T) {
	docA := NewDoc()
	docB := NewDoc()

	mA, err := docA.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, mA.Set("k", 1), nil)
	assert.Equal(t, mA.Set("nested", NewMapWithEntries(map[string]any{
		"inner": "v",
	})), nil)

	update, err := docA.GetUpdate(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, docB.ApplyUpdate(update), nil)

	mB, err := docB.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, mA.String(), mB.String())
	assert.Equal(t, docA.GetState(), docB.GetState())

	// the diff against the peer state is empty
	diff, err := docA.GetUpdate(docB.GetState())
	assert.Equal(t, err, nil)
	assert.Equal(t, docB.ApplyUpdate(diff), nil)
	assert.Equal(t, docA.GetState(), docB.GetState())
}

func TestApplyUpdateIdempotent(t *testing.T) {
	docA := NewDoc()
	docB := NewDoc()

	mA, err := docA.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, mA.Set("k", 1), nil)

	update, err := docA.GetUpdate(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, docB.ApplyUpdate(update), nil)
	stateAfterFirst := docB.GetState()

	// re-applying the same update is a no-op
	assert.Equal(t, docB.ApplyUpdate(update), nil)
	assert.Equal(t, docB.GetState(), stateAfterFirst)
}

func TestApplyUpdateMalformed(t *testing.T) {
	doc := NewDoc()
	assert.NotEqual(t, doc.ApplyUpdate([]byte("not json")), nil)
}

func TestReduceRebuild(t *testing.T) {
	doc := NewDoc()

	m, err := doc.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, m.Set("k", "v"), nil)
	l, err := doc.GetList("l")
	assert.Equal(t, err, nil)
	assert.Equal(t, l.Append(1), nil)
	text, err := doc.GetText("t")
	assert.Equal(t, err, nil)
	assert.Equal(t, text.Append("hello"), nil)

	update, roots, err := doc.Reduce()
	assert.Equal(t, err, nil)
	assert.Equal(t, roots, map[string]NodeKind{
		"m": NodeKindMap,
		"l": NodeKindList,
		"t": NodeKindText,
	})

	rebuilt, err := RebuildDoc(update, roots, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, rebuilt.Keys(), doc.Keys())

	rebuiltM, err := rebuilt.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, rebuiltM.String(), m.String())
	rebuiltL, err := rebuilt.GetList("l")
	assert.Equal(t, err, nil)
	assert.Equal(t, rebuiltL.String(), l.String())
	rebuiltT, err := rebuilt.GetText("t")
	assert.Equal(t, err, nil)
	assert.Equal(t, rebuiltT.String(), "hello")
}

type keyValidator struct {
	forbidden string
}

func (self *keyValidator) Validate(doc *Doc) error {
	node, err := doc.Get("m")
	if err != nil {
		// the root does not exist yet, nothing to check
		return nil
	}
	m, ok := node.(*Map)
	if !ok {
		return fmt.Errorf("root m must be a map")
	}
	if m.Contains(self.forbidden) {
		return fmt.Errorf("forbidden key %q", self.forbidden)
	}
	return nil
}

func TestValidatorRejects(t *testing.T) {
	primary := NewDocWithSettings(&DocSettings{
		Validator: &keyValidator{
			forbidden: "bad",
		},
	})
	source := NewDoc()

	mSource, err := source.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, mSource.Set("good", 1), nil)

	update, err := source.GetUpdate(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, primary.ApplyUpdate(update), nil)

	mPrimary, err := primary.GetMap("m")
	assert.Equal(t, err, nil)
	assert.Equal(t, mPrimary.Contains("good"), true)

	// a rejected update leaves the primary untouched
	assert.Equal(t, mSource.Set("bad", 1), nil)
	update, err = source.GetUpdate(primary.GetState())
	assert.Equal(t, err, nil)
	var validationErr *ValidationError
	assert.Equal(t, errors.As(primary.ApplyUpdate(update), &validationErr), true)
	assert.Equal(t, mPrimary.Contains("bad"), false)

	// once the source repairs itself the full update goes through
	assert.Equal(t, mSource.Delete("bad"), nil)
	update, err = source.GetUpdate(primary.GetState())
	assert.Equal(t, err, nil)
	assert.Equal(t, primary.ApplyUpdate(update), nil)
	assert.Equal(t, mPrimary.Contains("bad"), false)
	assert.Equal(t, mPrimary.Contains("good"), true)
}
