// Package gc implements the tracing mark-sweep collector that owns every
// heap object (strings, functions, closures, classes, instances, ...)
// allocated by the compiler and the VM. It is the single source of truth
// for the "all objects" list used by sweep and for the string intern
// table, so both the compiler (allocating constants) and the VM
// (allocating at runtime) share one collector instance.
//
// Go's own runtime ultimately reclaims the backing memory; this collector
// exists to honor the spec's reachability model (so that, for example, an
// instance field cycle or a closure capturing a mutually recursive
// function is only ever retained while actually reachable from a root,
// matching clox's allocator discipline rather than relying on Go's GC to
// paper over a design that never frees anything). See DESIGN.md for the
// rationale.
package gc

import (
	"github.com/kmora/wisp/internal/value"
)

// initialThreshold is the bytes-allocated level that triggers the first
// collection. After each collection the threshold is reset to twice the
// surviving bytes, never below this value.
const initialThreshold = 1 << 20 // 1 MiB

// objectCost is the nominal weight charged against the threshold for any
// single heap object, regardless of its concrete size. A real allocator
// would size objects precisely; this collector only needs a monotonic
// counter to decide when to run, so a flat per-object cost is enough.
const objectCost = 64

// constantSource is implemented by *chunk.Chunk. Declaring it here (rather
// than importing package chunk) keeps gc's only hard dependency on value,
// and lets Blacken trace into a Function's constant pool without a cycle.
type constantSource interface {
	ValueConstants() []value.Value
}

type Collector struct {
	all            value.Object
	bytesAllocated int
	threshold      int
	gray           []value.Object
	strings        map[string]*value.ObjString

	// CompileRoots, when non-nil, is consulted by Collect alongside the
	// caller-supplied markRoots callback. The compiler installs it for the
	// duration of a single Compile call so that functions under
	// construction (and not yet attached to any chunk's constant pool)
	// stay reachable if a collection lands mid-compile.
	CompileRoots func() []value.Value
}

func New() *Collector {
	return &Collector{
		threshold: initialThreshold,
		strings:   make(map[string]*value.ObjString),
	}
}

func (c *Collector) register(o value.Object) {
	h := value.HeaderOf(o)
	h.Next = c.all
	c.all = o
	c.bytesAllocated += objectCost
}

// Intern returns the canonical *ObjString for s, allocating and
// registering a new one only if no equal string is already live.
func (c *Collector) Intern(s string) *value.ObjString {
	if existing, ok := c.strings[s]; ok {
		return existing
	}
	str := &value.ObjString{Chars: s, Hash: value.HashString(s)}
	c.strings[s] = str
	c.register(str)
	return str
}

func (c *Collector) NewFunction() *value.ObjFunction {
	f := &value.ObjFunction{}
	c.register(f)
	return f
}

func (c *Collector) NewClosure(fn *value.ObjFunction) *value.ObjClosure {
	cl := &value.ObjClosure{Function: fn, Upvalues: make([]*value.ObjUpvalue, fn.UpvalueCount)}
	c.register(cl)
	return cl
}

func (c *Collector) NewUpvalue(slot *value.Value, stackIndex int) *value.ObjUpvalue {
	u := &value.ObjUpvalue{Location: slot, StackIndex: stackIndex}
	c.register(u)
	return u
}

func (c *Collector) NewNative(name string, arity int, fn value.NativeFn) *value.ObjNative {
	n := &value.ObjNative{Name: name, Arity: arity, Fn: fn}
	c.register(n)
	return n
}

func (c *Collector) NewClass(name *value.ObjString) *value.ObjClass {
	cl := &value.ObjClass{Name: name, Methods: make(map[string]*value.ObjClosure)}
	c.register(cl)
	return cl
}

func (c *Collector) NewInstance(class *value.ObjClass) *value.ObjInstance {
	i := &value.ObjInstance{Class: class, Fields: make(map[string]value.Value)}
	c.register(i)
	return i
}

func (c *Collector) NewBoundMethod(receiver value.Value, method *value.ObjClosure) *value.ObjBoundMethod {
	b := &value.ObjBoundMethod{Receiver: receiver, Method: method}
	c.register(b)
	return b
}

func (c *Collector) NewArray(elements []value.Value) *value.ObjArray {
	a := &value.ObjArray{Elements: elements}
	c.register(a)
	return a
}

func (c *Collector) NewDict() *value.ObjDict {
	d := value.NewDict()
	c.register(d)
	return d
}

// ShouldCollect reports whether bytesAllocated has crossed the threshold.
func (c *Collector) ShouldCollect() bool {
	return c.bytesAllocated > c.threshold
}

// MaybeCollect runs a collection, rooted at whatever markRoots marks,
// only if the allocation threshold has been crossed.
func (c *Collector) MaybeCollect(markRoots func(mark func(value.Value))) {
	if c.ShouldCollect() {
		c.Collect(markRoots)
	}
}

// Collect always runs a full mark-sweep pass, rooted at markRoots plus
// CompileRoots if set.
func (c *Collector) Collect(markRoots func(mark func(value.Value))) {
	if markRoots != nil {
		markRoots(c.Mark)
	}
	if c.CompileRoots != nil {
		for _, v := range c.CompileRoots() {
			c.Mark(v)
		}
	}
	c.traceReferences()
	c.sweep()
	c.threshold = c.bytesAllocated * 2
	if c.threshold < initialThreshold {
		c.threshold = initialThreshold
	}
}

func (c *Collector) Mark(v value.Value) {
	if v.Type != value.OBJ || v.Obj == nil {
		return
	}
	c.MarkObject(v.Obj)
}

func (c *Collector) MarkObject(o value.Object) {
	if o == nil {
		return
	}
	h := value.HeaderOf(o)
	if h.Marked {
		return
	}
	h.Marked = true
	c.gray = append(c.gray, o)
}

func (c *Collector) traceReferences() {
	for len(c.gray) > 0 {
		o := c.gray[len(c.gray)-1]
		c.gray = c.gray[:len(c.gray)-1]
		c.blacken(o)
	}
}

func (c *Collector) blacken(o value.Object) {
	switch obj := o.(type) {
	case *value.ObjString:
		// no outgoing references
	case *value.ObjFunction:
		if obj.Name != nil {
			c.MarkObject(obj.Name)
		}
		if cs, ok := obj.Chunk.(constantSource); ok {
			for _, v := range cs.ValueConstants() {
				c.Mark(v)
			}
		}
	case *value.ObjClosure:
		c.MarkObject(obj.Function)
		for _, u := range obj.Upvalues {
			c.MarkObject(u)
		}
	case *value.ObjUpvalue:
		if obj.Closed {
			c.Mark(obj.Value)
		}
	case *value.ObjClass:
		c.MarkObject(obj.Name)
		for _, m := range obj.Methods {
			c.MarkObject(m)
		}
	case *value.ObjInstance:
		c.MarkObject(obj.Class)
		for _, v := range obj.Fields {
			c.Mark(v)
		}
	case *value.ObjBoundMethod:
		c.Mark(obj.Receiver)
		c.MarkObject(obj.Method)
	case *value.ObjArray:
		for _, v := range obj.Elements {
			c.Mark(v)
		}
	case *value.ObjDict:
		obj.Each(func(k, v value.Value) {
			c.Mark(k)
			c.Mark(v)
		})
	case *value.ObjNative:
		// no outgoing references
	}
}

func (c *Collector) sweep() {
	var prev value.Object
	obj := c.all
	live := 0
	for obj != nil {
		h := value.HeaderOf(obj)
		next := h.Next
		if h.Marked {
			h.Marked = false
			prev = obj
			live++
		} else {
			if prev == nil {
				c.all = next
			} else {
				value.HeaderOf(prev).Next = next
			}
			if s, ok := obj.(*value.ObjString); ok {
				delete(c.strings, s.Chars)
			}
		}
		obj = next
	}
	c.bytesAllocated = live * objectCost
}

// Stats returns the bytes currently charged against the threshold (the
// number of live objects times objectCost) and the current threshold.
func (c *Collector) Stats() (liveBytes, threshold int) {
	return c.bytesAllocated, c.threshold
}
