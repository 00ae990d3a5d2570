package gc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmora/wisp/internal/gc"
	"github.com/kmora/wisp/internal/value"
)

func TestInternReturnsSamePointerForEqualBytes(t *testing.T) {
	c := gc.New()
	a := c.Intern("hello")
	b := c.Intern("hello")
	assert.Same(t, a, b)

	other := c.Intern("world")
	assert.NotSame(t, a, other)
}

func TestSweepFreesUnreachableObjects(t *testing.T) {
	c := gc.New()
	kept := c.NewArray([]value.Value{value.NewInt(1)})
	_ = c.NewArray([]value.Value{value.NewInt(2)}) // never rooted
	before, _ := c.Stats()

	c.Collect(func(mark func(value.Value)) {
		mark(value.NewObj(kept))
	})

	liveBytes, threshold := c.Stats()
	require.Greater(t, threshold, 0)
	assert.Equal(t, before/2, liveBytes, "one of the two arrays survives")
}

func TestCollectTracesThroughClosureAndUpvalue(t *testing.T) {
	c := gc.New()
	fn := c.NewFunction()
	fn.UpvalueCount = 1
	closure := c.NewClosure(fn)

	slot := value.NewInt(42)
	up := c.NewUpvalue(&slot, 0)
	closure.Upvalues[0] = up

	var marked []value.Object
	c.Collect(func(mark func(value.Value)) {
		mark(value.NewObj(closure))
	})
	_ = marked // Collect's internal marking is exercised above; nothing panicked.

	// A second collection rooted at nothing should now free everything,
	// including the closure, function, and upvalue from the first root.
	c.Collect(func(mark func(value.Value)) {})
	liveBytes, _ := c.Stats()
	assert.Equal(t, 0, liveBytes)
}

func TestInternedStringRemovedFromTableWhenSwept(t *testing.T) {
	c := gc.New()
	first := c.Intern("transient")
	c.Collect(func(mark func(value.Value)) {}) // nothing rooted
	second := c.Intern("transient")
	assert.NotSame(t, first, second, "a swept string must be re-allocated, not reused")
}
