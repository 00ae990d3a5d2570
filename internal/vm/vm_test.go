package vm_test

import (
	"bufio"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmora/wisp/internal/vm"
)

// runCapture runs source against a fresh VM and returns the lines it
// printed. PRINT writes to *os.File, so a real pipe stands in for a
// buffer.
func runCapture(t *testing.T, source string) []string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	machine := vm.New()
	machine.Stdout = w

	done := make(chan []string, 1)
	go func() {
		var lines []string
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		done <- lines
	}()

	err = machine.Interpret(source)
	w.Close()
	lines := <-done
	require.NoError(t, err, "unexpected interpret error")
	return lines
}

func TestArithmeticPrecedence(t *testing.T) {
	// S1
	lines := runCapture(t, `print 1 + 2 * 3; print (1 + 2) * 3;`)
	assert.Equal(t, []string{"7", "9"}, lines)
}

func TestClosureCounter(t *testing.T) {
	// S2
	src := `
	fun make() { var c = 0; fun inc() { c = c + 1; return c; } return inc; }
	var f = make(); print f(); print f(); print f();`
	assert.Equal(t, []string{"1", "2", "3"}, runCapture(t, src))
}

func TestInheritanceWithSuper(t *testing.T) {
	// S3
	src := `
	class A { greet() { print "A"; } }
	class B < A { greet() { super.greet(); print "B"; } }
	B().greet();`
	assert.Equal(t, []string{"A", "B"}, runCapture(t, src))
}

func TestInitializerReturnsThis(t *testing.T) {
	// S4
	src := `
	class P { init(x) { this.x = x; } }
	print P(7).x;`
	assert.Equal(t, []string{"7"}, runCapture(t, src))
}

func TestArrayAndDictSubscripts(t *testing.T) {
	// S5
	src := `
	var a = [10, 20, 30]; a[1] = 99; print a[0]; print a[1];
	var d = {"k": 1}; d["k"] = d["k"] + 1; print d["k"];`
	assert.Equal(t, []string{"10", "99", "2"}, runCapture(t, src))
}

func TestStringInterningAcrossConcatenation(t *testing.T) {
	// S6
	src := `var a = "foo"; var b = "fo" + "o"; print a == b;`
	assert.Equal(t, []string{"true"}, runCapture(t, src))
}

func TestClosureIdentityIsPerInvocation(t *testing.T) {
	// Property 3: two closures from the same function but different
	// enclosing scopes have independent upvalues.
	src := `
	fun make() { var c = 0; fun inc() { c = c + 1; return c; } return inc; }
	var f1 = make(); var f2 = make();
	f1(); f1();
	print f1(); print f2();`
	assert.Equal(t, []string{"3", "1"}, runCapture(t, src))
}

func TestArityMismatchIsRuntimeError(t *testing.T) {
	// Property 8
	machine := vm.New()
	err := machine.Interpret(`fun f(a, b) { return a; } f(1);`)
	require.Error(t, err)
	_, isRuntime := err.(*vm.RuntimeError)
	assert.True(t, isRuntime)
}

func TestUndefinedGlobalIsRuntimeError(t *testing.T) {
	machine := vm.New()
	err := machine.Interpret(`print nope;`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Undefined variable")
}

func TestArrayOutOfRangeIsRuntimeError(t *testing.T) {
	machine := vm.New()
	err := machine.Interpret(`var a = [1]; print a[5];`)
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "out of range")
}

func TestCompileErrorReturnedSeparatelyFromRuntimeError(t *testing.T) {
	machine := vm.New()
	err := machine.Interpret(`{ var a = a; }`)
	require.Error(t, err)
	_, isCompile := err.(*vm.CompileError)
	assert.True(t, isCompile)
}
