package compiler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmora/wisp/internal/compiler"
	"github.com/kmora/wisp/internal/gc"
	"github.com/kmora/wisp/internal/value"
)

// stubHost is the minimal compiler.Host a compile-only test needs: no VM,
// just a stack to root newly-interned constants and the collector that
// owns them.
type stubHost struct {
	stack []value.Value
	coll  *gc.Collector
}

func newStubHost() *stubHost { return &stubHost{coll: gc.New()} }

func (h *stubHost) Push(v value.Value) { h.stack = append(h.stack, v) }
func (h *stubHost) Pop() value.Value {
	v := h.stack[len(h.stack)-1]
	h.stack = h.stack[:len(h.stack)-1]
	return v
}
func (h *stubHost) GC() *gc.Collector { return h.coll }

func TestCompileValidProgram(t *testing.T) {
	fn, ok := compiler.Compile(`print 1 + 2 * 3;`, newStubHost())
	require.True(t, ok)
	require.NotNil(t, fn)
}

func TestCompileRejectsReadingOwnInitializer(t *testing.T) {
	_, ok := compiler.Compile(`{ var a = a; }`, newStubHost())
	assert.False(t, ok)
}

func TestCompileRejectsReturnAtScriptScope(t *testing.T) {
	_, ok := compiler.Compile(`return 1;`, newStubHost())
	assert.False(t, ok)
}

func TestCompileRejectsValueReturnFromInitializer(t *testing.T) {
	src := `
	class P {
		init(x) { this.x = x; return 3; }
	}`
	_, ok := compiler.Compile(src, newStubHost())
	assert.False(t, ok, "Can't return a value from an initializer")
}

func TestCompileRejectsDuplicateLocalInSameScope(t *testing.T) {
	_, ok := compiler.Compile(`{ var a = 1; var a = 2; }`, newStubHost())
	assert.False(t, ok)
}

func TestCompileRejectsFractionalNumberLiteral(t *testing.T) {
	_, ok := compiler.Compile(`print 1.5;`, newStubHost())
	assert.False(t, ok)
}

func TestCompileRejectsThisOutsideClass(t *testing.T) {
	_, ok := compiler.Compile(`print this;`, newStubHost())
	assert.False(t, ok)
}

func TestCompileRejectsSuperWithoutSuperclass(t *testing.T) {
	src := `class A { m() { super.m(); } }`
	_, ok := compiler.Compile(src, newStubHost())
	assert.False(t, ok)
}

func TestCompileAcceptsCompoundAssignmentOnLocals(t *testing.T) {
	_, ok := compiler.Compile(`{ var a = 1; a += 2; a -= 1; }`, newStubHost())
	assert.True(t, ok)
}

func TestCompileRejectsCompoundAssignmentOnProperty(t *testing.T) {
	src := `
	class A { init() { this.x = 0; } }
	var a = A();
	a.x += 1;`
	_, ok := compiler.Compile(src, newStubHost())
	assert.False(t, ok, "compound assignment on a property is not supported")
}
