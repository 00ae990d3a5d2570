// Package vm implements the stack-based dispatch loop: call frames,
// closures, method invocation and inheritance, upvalue lifecycle, and the
// native-function embedding surface.
package vm

import (
	"fmt"
	"os"

	"github.com/kmora/wisp/internal/chunk"
	"github.com/kmora/wisp/internal/compiler"
	"github.com/kmora/wisp/internal/gc"
	"github.com/kmora/wisp/internal/value"
)

const (
	StackMax  = 16384
	FramesMax = 64
)

// RuntimeError is returned by Interpret when execution aborts; it carries
// the frame-by-frame trace the VM printed before unwinding.
type RuntimeError struct {
	Message string
	Trace   []string
}

func (e *RuntimeError) Error() string { return e.Message }

// CompileError is returned by Interpret when the source fails to compile.
type CompileError struct{}

func (e *CompileError) Error() string { return "compile error" }

type frame struct {
	closure   *value.ObjClosure
	ip        int
	slotsBase int
}

// VM owns the value stack, call frames, globals, open-upvalue list, heap,
// and native registry. Exactly one VM exists per interpreter instance;
// nothing about it is safe for concurrent use.
type VM struct {
	stack    [StackMax]value.Value
	top      int
	frames   [FramesMax]frame
	frameCnt int

	globals map[string]value.Value
	gc      *gc.Collector

	openUpvalues *value.ObjUpvalue

	initString *value.ObjString

	// Stdout is where PRINT writes; defaulted to os.Stdout, overridable by
	// the embedding host (tests point it at a pipe).
	Stdout *os.File
}

func New() *VM {
	vm := &VM{
		globals: make(map[string]value.Value),
		gc:      gc.New(),
		Stdout:  os.Stdout,
	}
	vm.initString = vm.gc.Intern("init")
	vm.defineClock()
	return vm
}

// GC implements compiler.Host.
func (vm *VM) GC() *gc.Collector { return vm.gc }

// Push implements compiler.Host.
func (vm *VM) Push(v value.Value) {
	vm.stack[vm.top] = v
	vm.top++
}

// Pop implements compiler.Host.
func (vm *VM) Pop() value.Value {
	vm.top--
	return vm.stack[vm.top]
}

func (vm *VM) peek(distance int) value.Value { return vm.stack[vm.top-1-distance] }

func (vm *VM) resetStack() {
	vm.top = 0
	vm.frameCnt = 0
	vm.openUpvalues = nil
}

// DefineNative registers a host callable under name, reachable as a
// global from interpreted code.
func (vm *VM) DefineNative(name string, arity int, fn value.NativeFn) {
	native := vm.gc.NewNative(name, arity, fn)
	vm.globals[name] = value.NewObj(native)
}

// Intern, NewDict, and NewArray expose the collector's allocators to
// native libraries (see internal/natives) so that Values a native hands
// back to interpreted code are heap objects the same collector tracks,
// not ad-hoc structs that would violate the string-interning invariant.
func (vm *VM) Intern(s string) *value.ObjString { return vm.gc.Intern(s) }

func (vm *VM) NewDict() *value.ObjDict { return vm.gc.NewDict() }

func (vm *VM) NewArray(elements []value.Value) *value.ObjArray { return vm.gc.NewArray(elements) }

func (vm *VM) defineClock() {
	vm.DefineNative("clock", 0, func(args []value.Value) (value.Value, error) {
		return value.NewInt(0), nil
	})
}

// Interpret compiles and runs source, returning a *CompileError or
// *RuntimeError on failure.
func (vm *VM) Interpret(source string) error {
	fn, ok := compiler.Compile(source, vm)
	if !ok {
		return &CompileError{}
	}

	closure := vm.gc.NewClosure(fn)
	vm.Push(value.NewObj(closure))
	if err := vm.call(closure, 0); err != nil {
		return err
	}
	return vm.run()
}

func (vm *VM) maybeCollect() {
	vm.gc.MaybeCollect(func(mark func(value.Value)) {
		for i := 0; i < vm.top; i++ {
			mark(vm.stack[i])
		}
		for i := 0; i < vm.frameCnt; i++ {
			mark(value.NewObj(vm.frames[i].closure))
		}
		for name, v := range vm.globals {
			_ = name
			mark(v)
		}
		for u := vm.openUpvalues; u != nil; u = u.NextOpen {
			mark(value.NewObj(u))
		}
	})
}

// run executes frames until the outermost call returns.
func (vm *VM) run() error {
	for {
		f := &vm.frames[vm.frameCnt-1]
		chk := f.closure.Function.Chunk.(*chunk.Chunk)

		op := chunk.OpCode(chk.Code[f.ip])
		f.ip++

		switch op {
		case chunk.OP_CONSTANT:
			vm.Push(vm.readConstant(chk, f))

		case chunk.OP_NIL:
			vm.Push(value.Nil())
		case chunk.OP_TRUE:
			vm.Push(value.NewBool(true))
		case chunk.OP_FALSE:
			vm.Push(value.NewBool(false))

		case chunk.OP_POP:
			vm.Pop()

		case chunk.OP_GET_LOCAL:
			slot := vm.readByte(chk, f)
			vm.Push(vm.stack[f.slotsBase+int(slot)])
		case chunk.OP_SET_LOCAL:
			slot := vm.readByte(chk, f)
			vm.stack[f.slotsBase+int(slot)] = vm.peek(0)

		case chunk.OP_GET_GLOBAL:
			name := vm.readConstant(chk, f).Obj.(*value.ObjString)
			v, ok := vm.globals[name.Chars]
			if !ok {
				return vm.runtimeError(chk, f.ip, "Undefined variable '%s'.", name.Chars)
			}
			vm.Push(v)
		case chunk.OP_DEFINE_GLOBAL:
			name := vm.readConstant(chk, f).Obj.(*value.ObjString)
			vm.globals[name.Chars] = vm.peek(0)
			vm.Pop()
		case chunk.OP_SET_GLOBAL:
			name := vm.readConstant(chk, f).Obj.(*value.ObjString)
			if _, ok := vm.globals[name.Chars]; !ok {
				return vm.runtimeError(chk, f.ip, "Undefined variable '%s'.", name.Chars)
			}
			vm.globals[name.Chars] = vm.peek(0)

		case chunk.OP_GET_UPVALUE:
			idx := vm.readByte(chk, f)
			vm.Push(f.closure.Upvalues[idx].Get())
		case chunk.OP_SET_UPVALUE:
			idx := vm.readByte(chk, f)
			f.closure.Upvalues[idx].Set(vm.peek(0))

		case chunk.OP_GET_PROPERTY:
			if err := vm.getProperty(chk, f); err != nil {
				return err
			}
		case chunk.OP_SET_PROPERTY:
			if err := vm.setProperty(chk, f); err != nil {
				return err
			}
		case chunk.OP_GET_SUPER:
			if err := vm.getSuper(chk, f); err != nil {
				return err
			}

		case chunk.OP_EQUAL:
			b := vm.Pop()
			a := vm.Pop()
			vm.Push(value.NewBool(a.Equal(b)))
		case chunk.OP_GREATER, chunk.OP_LESS:
			if err := vm.binaryCompare(op, chk, f); err != nil {
				return err
			}

		case chunk.OP_ADD:
			if err := vm.add(chk, f); err != nil {
				return err
			}
		case chunk.OP_SUBTRACT, chunk.OP_MULTIPLY, chunk.OP_DIVIDE:
			if err := vm.arith(op, chk, f); err != nil {
				return err
			}
		case chunk.OP_NOT:
			v := vm.peek(0)
			if v.Type == value.OBJ {
				return vm.runtimeError(chk, f.ip, "Operand must be an int, bool, or nil.")
			}
			vm.Pop()
			vm.Push(value.NewBool(!v.Truthy()))
		case chunk.OP_NEGATE:
			v := vm.peek(0)
			if v.Type != value.INT {
				return vm.runtimeError(chk, f.ip, "Operand must be an int.")
			}
			vm.Pop()
			vm.Push(value.NewInt(-v.Int))

		case chunk.OP_PRINT:
			fmt.Fprintln(vm.Stdout, vm.Pop().String())

		case chunk.OP_JUMP:
			offset := vm.readShort(chk, f)
			f.ip += int(offset)
		case chunk.OP_JUMP_IF_FALSE:
			offset := vm.readShort(chk, f)
			if !vm.peek(0).Truthy() {
				f.ip += int(offset)
			}
		case chunk.OP_LOOP:
			offset := vm.readShort(chk, f)
			f.ip -= int(offset)

		case chunk.OP_CALL:
			argc := int(vm.readByte(chk, f))
			if err := vm.callValue(vm.peek(argc), argc); err != nil {
				return err
			}
		case chunk.OP_INVOKE:
			name := vm.readConstant(chk, f).Obj.(*value.ObjString)
			argc := int(vm.readByte(chk, f))
			if err := vm.invoke(name, argc, chk, f); err != nil {
				return err
			}
		case chunk.OP_SUPER_INVOKE:
			name := vm.readConstant(chk, f).Obj.(*value.ObjString)
			argc := int(vm.readByte(chk, f))
			superclass := vm.Pop()
			if err := vm.invokeFromClass(superclass.Obj.(*value.ObjClass), name, argc, chk, f); err != nil {
				return err
			}

		case chunk.OP_CLOSURE:
			fn := vm.readConstant(chk, f).Obj.(*value.ObjFunction)
			closure := vm.gc.NewClosure(fn)
			vm.Push(value.NewObj(closure))
			for i := 0; i < fn.UpvalueCount; i++ {
				isLocal := vm.readByte(chk, f)
				idx := vm.readByte(chk, f)
				if isLocal == 1 {
					closure.Upvalues[i] = vm.captureUpvalue(f.slotsBase + int(idx))
				} else {
					closure.Upvalues[i] = f.closure.Upvalues[idx]
				}
			}
			vm.maybeCollect()

		case chunk.OP_CLOSE_UPVALUE:
			vm.closeUpvalues(vm.top - 1)
			vm.Pop()

		case chunk.OP_RETURN:
			result := vm.Pop()
			vm.closeUpvalues(f.slotsBase)
			vm.frameCnt--
			vm.top = f.slotsBase
			if vm.frameCnt == 0 {
				return nil
			}
			vm.Push(result)

		case chunk.OP_CLASS:
			name := vm.readConstant(chk, f).Obj.(*value.ObjString)
			vm.Push(value.NewObj(vm.gc.NewClass(name)))
			vm.maybeCollect()

		case chunk.OP_INHERIT:
			super := vm.peek(1)
			if super.Type != value.OBJ {
				return vm.runtimeError(chk, f.ip, "Superclass must be a class.")
			}
			superclass, ok := super.Obj.(*value.ObjClass)
			if !ok {
				return vm.runtimeError(chk, f.ip, "Superclass must be a class.")
			}
			subclass := vm.peek(0).Obj.(*value.ObjClass)
			for name, m := range superclass.Methods {
				subclass.Methods[name] = m
			}
			// Pop the subclass; the superclass stays beneath it as the
			// compiler's synthetic "super" local.
			vm.Pop()

		case chunk.OP_METHOD:
			name := vm.readConstant(chk, f).Obj.(*value.ObjString)
			vm.defineMethod(name)

		case chunk.OP_ARRAY:
			n := int(vm.readByte(chk, f))
			elems := make([]value.Value, n)
			copy(elems, vm.stack[vm.top-n:vm.top])
			vm.top -= n
			arr := vm.gc.NewArray(elems)
			vm.Push(value.NewObj(arr))
			vm.maybeCollect()

		case chunk.OP_DICT:
			n := int(vm.readByte(chk, f))
			d := vm.gc.NewDict()
			base := vm.top - 2*n
			for i := 0; i < n; i++ {
				k := vm.stack[base+2*i]
				v := vm.stack[base+2*i+1]
				d.Set(k, v)
			}
			vm.top = base
			vm.Push(value.NewObj(d))
			vm.maybeCollect()

		case chunk.OP_GET_ELEMENT:
			if err := vm.getElement(chk, f); err != nil {
				return err
			}
		case chunk.OP_SET_ELEMENT:
			if err := vm.setElement(chk, f); err != nil {
				return err
			}

		default:
			return vm.runtimeError(chk, f.ip, "Unknown opcode %d.", op)
		}
	}
}

func (vm *VM) readByte(chk *chunk.Chunk, f *frame) byte {
	b := chk.Code[f.ip]
	f.ip++
	return b
}

func (vm *VM) readShort(chk *chunk.Chunk, f *frame) uint16 {
	hi := chk.Code[f.ip]
	lo := chk.Code[f.ip+1]
	f.ip += 2
	return uint16(hi)<<8 | uint16(lo)
}

func (vm *VM) readConstant(chk *chunk.Chunk, f *frame) value.Value {
	idx := vm.readByte(chk, f)
	return chk.Constants[idx]
}

func (vm *VM) binaryCompare(op chunk.OpCode, chk *chunk.Chunk, f *frame) error {
	b := vm.peek(0)
	a := vm.peek(1)
	if a.Type != value.INT || b.Type != value.INT {
		return vm.runtimeError(chk, f.ip, "Operands must be ints.")
	}
	vm.top -= 2
	if op == chunk.OP_GREATER {
		vm.Push(value.NewBool(a.Int > b.Int))
	} else {
		vm.Push(value.NewBool(a.Int < b.Int))
	}
	return nil
}

func (vm *VM) add(chk *chunk.Chunk, f *frame) error {
	b := vm.peek(0)
	a := vm.peek(1)
	switch {
	case a.Type == value.INT && b.Type == value.INT:
		vm.top -= 2
		vm.Push(value.NewInt(a.Int + b.Int))
	case a.Type == value.OBJ && b.Type == value.OBJ:
		as, aok := a.Obj.(*value.ObjString)
		bs, bok := b.Obj.(*value.ObjString)
		if !aok || !bok {
			return vm.runtimeError(chk, f.ip, "Operands must be two ints or two strings.")
		}
		vm.top -= 2
		result := vm.gc.Intern(as.Chars + bs.Chars)
		vm.Push(value.NewObj(result))
		vm.maybeCollect()
	default:
		return vm.runtimeError(chk, f.ip, "Operands must be two ints or two strings.")
	}
	return nil
}

func (vm *VM) arith(op chunk.OpCode, chk *chunk.Chunk, f *frame) error {
	b := vm.peek(0)
	a := vm.peek(1)
	if a.Type != value.INT || b.Type != value.INT {
		return vm.runtimeError(chk, f.ip, "Operands must be ints.")
	}
	vm.top -= 2
	switch op {
	case chunk.OP_SUBTRACT:
		vm.Push(value.NewInt(a.Int - b.Int))
	case chunk.OP_MULTIPLY:
		vm.Push(value.NewInt(a.Int * b.Int))
	case chunk.OP_DIVIDE:
		if b.Int == 0 {
			return vm.runtimeError(chk, f.ip, "Division by zero.")
		}
		vm.Push(value.NewInt(a.Int / b.Int))
	}
	return nil
}

func (vm *VM) getProperty(chk *chunk.Chunk, f *frame) error {
	name := vm.readConstant(chk, f).Obj.(*value.ObjString)
	receiver := vm.peek(0)
	inst, ok := receiver.Obj.(*value.ObjInstance)
	if receiver.Type != value.OBJ || !ok {
		return vm.runtimeError(chk, f.ip, "Only instances have properties.")
	}
	if v, ok := inst.Fields[name.Chars]; ok {
		vm.Pop()
		vm.Push(v)
		return nil
	}
	method, ok := inst.Class.Methods[name.Chars]
	if !ok {
		return vm.runtimeError(chk, f.ip, "Undefined property '%s'.", name.Chars)
	}
	bound := vm.gc.NewBoundMethod(receiver, method)
	vm.Pop()
	vm.Push(value.NewObj(bound))
	vm.maybeCollect()
	return nil
}

func (vm *VM) setProperty(chk *chunk.Chunk, f *frame) error {
	name := vm.readConstant(chk, f).Obj.(*value.ObjString)
	v := vm.peek(0)
	receiver := vm.peek(1)
	inst, ok := receiver.Obj.(*value.ObjInstance)
	if receiver.Type != value.OBJ || !ok {
		return vm.runtimeError(chk, f.ip, "Only instances have fields.")
	}
	inst.Fields[name.Chars] = v
	vm.top -= 2
	vm.Push(v)
	return nil
}

func (vm *VM) getSuper(chk *chunk.Chunk, f *frame) error {
	name := vm.readConstant(chk, f).Obj.(*value.ObjString)
	superclass := vm.Pop().Obj.(*value.ObjClass)
	receiver := vm.Pop()
	method, ok := superclass.Methods[name.Chars]
	if !ok {
		return vm.runtimeError(chk, f.ip, "Undefined property '%s'.", name.Chars)
	}
	bound := vm.gc.NewBoundMethod(receiver, method)
	vm.Push(value.NewObj(bound))
	vm.maybeCollect()
	return nil
}

func (vm *VM) getElement(chk *chunk.Chunk, f *frame) error {
	idxV := vm.Pop()
	coll := vm.Pop()
	switch c := coll.Obj.(type) {
	case *value.ObjArray:
		if idxV.Type != value.INT {
			return vm.runtimeError(chk, f.ip, "Array index must be an int.")
		}
		i := idxV.Int
		if i < 0 || i >= int64(len(c.Elements)) {
			return vm.runtimeError(chk, f.ip, "Array index out of range.")
		}
		vm.Push(c.Elements[i])
	case *value.ObjDict:
		v, ok := c.Get(idxV)
		if !ok {
			return vm.runtimeError(chk, f.ip, "Undefined dict key.")
		}
		vm.Push(v)
	default:
		return vm.runtimeError(chk, f.ip, "Can only subscript arrays and dicts.")
	}
	return nil
}

func (vm *VM) setElement(chk *chunk.Chunk, f *frame) error {
	v := vm.Pop()
	idxV := vm.Pop()
	coll := vm.Pop()
	switch c := coll.Obj.(type) {
	case *value.ObjArray:
		if idxV.Type != value.INT {
			return vm.runtimeError(chk, f.ip, "Array index must be an int.")
		}
		i := idxV.Int
		if i < 0 || i >= int64(len(c.Elements)) {
			return vm.runtimeError(chk, f.ip, "Array index out of range.")
		}
		c.Elements[i] = v
	case *value.ObjDict:
		c.Set(idxV, v)
	default:
		return vm.runtimeError(chk, f.ip, "Can only subscript arrays and dicts.")
	}
	vm.Push(v)
	return nil
}

func (vm *VM) defineMethod(name *value.ObjString) {
	method := vm.peek(0).Obj.(*value.ObjClosure)
	class := vm.peek(1).Obj.(*value.ObjClass)
	class.Methods[name.Chars] = method
	vm.Pop()
}

// callValue implements the CALL convention for every callee kind: Closure,
// Class (construct + invoke init), BoundMethod, Native.
func (vm *VM) callValue(callee value.Value, argc int) error {
	if callee.Type != value.OBJ {
		return vm.runtimeErrorNoFrame("Can only call functions and classes.")
	}
	switch c := callee.Obj.(type) {
	case *value.ObjClosure:
		return vm.call(c, argc)
	case *value.ObjClass:
		inst := vm.gc.NewInstance(c)
		vm.stack[vm.top-argc-1] = value.NewObj(inst)
		if init, ok := c.Methods[vm.initString.Chars]; ok {
			return vm.call(init, argc)
		}
		if argc != 0 {
			return vm.runtimeErrorNoFrame("Expected 0 arguments but got %d.", argc)
		}
		vm.maybeCollect()
		return nil
	case *value.ObjBoundMethod:
		vm.stack[vm.top-argc-1] = c.Receiver
		return vm.call(c.Method, argc)
	case *value.ObjNative:
		if c.Arity >= 0 && c.Arity != argc {
			return vm.runtimeErrorNoFrame("Expected %d arguments but got %d.", c.Arity, argc)
		}
		args := make([]value.Value, argc)
		copy(args, vm.stack[vm.top-argc:vm.top])
		result, err := c.Fn(args)
		if err != nil {
			return vm.runtimeErrorNoFrame("%s", err.Error())
		}
		vm.top -= argc + 1
		vm.Push(result)
		return nil
	default:
		return vm.runtimeErrorNoFrame("Can only call functions and classes.")
	}
}

func (vm *VM) call(closure *value.ObjClosure, argc int) error {
	if argc != closure.Function.Arity {
		return vm.runtimeErrorNoFrame("Expected %d arguments but got %d.", closure.Function.Arity, argc)
	}
	if vm.frameCnt == FramesMax {
		return vm.runtimeErrorNoFrame("Stack overflow.")
	}
	vm.frames[vm.frameCnt] = frame{closure: closure, slotsBase: vm.top - argc - 1}
	vm.frameCnt++
	return nil
}

func (vm *VM) invoke(name *value.ObjString, argc int, chk *chunk.Chunk, f *frame) error {
	receiver := vm.peek(argc)
	inst, ok := receiver.Obj.(*value.ObjInstance)
	if receiver.Type != value.OBJ || !ok {
		return vm.runtimeError(chk, f.ip, "Only instances have methods.")
	}
	if v, ok := inst.Fields[name.Chars]; ok {
		vm.stack[vm.top-argc-1] = v
		return vm.callValue(v, argc)
	}
	return vm.invokeFromClass(inst.Class, name, argc, chk, f)
}

func (vm *VM) invokeFromClass(class *value.ObjClass, name *value.ObjString, argc int, chk *chunk.Chunk, f *frame) error {
	method, ok := class.Methods[name.Chars]
	if !ok {
		return vm.runtimeError(chk, f.ip, "Undefined property '%s'.", name.Chars)
	}
	return vm.call(method, argc)
}

func (vm *VM) captureUpvalue(stackIndex int) *value.ObjUpvalue {
	var prev *value.ObjUpvalue
	cur := vm.openUpvalues
	for cur != nil && cur.StackIndex > stackIndex {
		prev = cur
		cur = cur.NextOpen
	}
	if cur != nil && cur.StackIndex == stackIndex {
		return cur
	}
	created := vm.gc.NewUpvalue(&vm.stack[stackIndex], stackIndex)
	created.NextOpen = cur
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.NextOpen = created
	}
	return created
}

func (vm *VM) closeUpvalues(floor int) {
	for vm.openUpvalues != nil && vm.openUpvalues.StackIndex >= floor {
		u := vm.openUpvalues
		u.Value = *u.Location
		u.Closed = true
		vm.openUpvalues = u.NextOpen
	}
}

// runtimeError formats a message against the running frame's current line,
// prints a full call-stack trace, and unwinds by resetting the VM.
func (vm *VM) runtimeError(chk *chunk.Chunk, ip int, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	line := 0
	if ip-1 >= 0 && ip-1 < len(chk.Lines) {
		line = chk.Lines[ip-1]
	}
	full := fmt.Sprintf("[line %d] %s", line, msg)
	trace := vm.captureTrace()
	fmt.Fprintln(os.Stderr, full)
	for _, l := range trace {
		fmt.Fprintln(os.Stderr, l)
	}
	vm.resetStack()
	return &RuntimeError{Message: full, Trace: trace}
}

// runtimeErrorNoFrame is used from call-convention code that doesn't have
// the caller's chunk/ip handy; it reports against the topmost active frame
// instead.
func (vm *VM) runtimeErrorNoFrame(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	line := 0
	if vm.frameCnt > 0 {
		f := vm.frames[vm.frameCnt-1]
		chk := f.closure.Function.Chunk.(*chunk.Chunk)
		if f.ip-1 >= 0 && f.ip-1 < len(chk.Lines) {
			line = chk.Lines[f.ip-1]
		}
	}
	full := fmt.Sprintf("[line %d] %s", line, msg)
	trace := vm.captureTrace()
	fmt.Fprintln(os.Stderr, full)
	for _, l := range trace {
		fmt.Fprintln(os.Stderr, l)
	}
	vm.resetStack()
	return &RuntimeError{Message: full, Trace: trace}
}

func (vm *VM) captureTrace() []string {
	var lines []string
	for i := vm.frameCnt - 1; i >= 0; i-- {
		f := vm.frames[i]
		fn := f.closure.Function
		name := "script"
		if fn.Name != nil {
			name = fn.Name.Chars + "()"
		}
		lines = append(lines, fmt.Sprintf("[in %s]", name))
	}
	return lines
}
