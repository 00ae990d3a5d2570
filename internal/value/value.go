// Package value defines the tagged Value union and the family of
// heap-allocated object variants (strings, functions, closures, classes,
// instances, arrays, dictionaries, natives) that a Value can reference.
//
// Every heap object embeds Obj, which carries the bookkeeping the garbage
// collector needs (a mark bit and an intrusive "all objects" link). The
// collector itself lives in package gc so that value stays a leaf package.
package value

import (
	"fmt"
	"strings"

	"github.com/dolthub/swiss"
)

type Type int

const (
	NIL Type = iota
	BOOL
	INT
	OBJ
)

// Value is the tagged union every stack slot, local, global, field, and
// constant pool entry holds. Only one of the fields is meaningful,
// selected by Type.
type Value struct {
	Type  Type
	Bool  bool
	Int   int64
	Obj   Object
}

func Nil() Value           { return Value{Type: NIL} }
func NewBool(b bool) Value { return Value{Type: BOOL, Bool: b} }
func NewInt(i int64) Value { return Value{Type: INT, Int: i} }
func NewObj(o Object) Value {
	return Value{Type: OBJ, Obj: o}
}

func (v Value) IsNil() bool { return v.Type == NIL }

// Truthy implements the language's truthiness rule: nil is false, bool is
// itself, everything else is true.
func (v Value) Truthy() bool {
	switch v.Type {
	case NIL:
		return false
	case BOOL:
		return v.Bool
	default:
		return true
	}
}

// Equal is structural for primitives and reference-identity for objects.
// Strings are interned, so reference-identity on *ObjString is the same
// as byte equality.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case NIL:
		return true
	case BOOL:
		return v.Bool == o.Bool
	case INT:
		return v.Int == o.Int
	case OBJ:
		return v.Obj == o.Obj
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.Type {
	case NIL:
		return "nil"
	case BOOL:
		if v.Bool {
			return "true"
		}
		return "false"
	case INT:
		return fmt.Sprintf("%d", v.Int)
	case OBJ:
		if v.Obj == nil {
			return "nil"
		}
		return v.Obj.String()
	default:
		return "<invalid>"
	}
}

// TypeName names a Value's dynamic type for error messages.
func (v Value) TypeName() string {
	switch v.Type {
	case NIL:
		return "nil"
	case BOOL:
		return "bool"
	case INT:
		return "int"
	case OBJ:
		if v.Obj == nil {
			return "nil"
		}
		return v.Obj.Kind()
	default:
		return "unknown"
	}
}

// Object is implemented by every heap-allocated value. Kind names the
// dynamic type for diagnostics; String renders the value the way `print`
// does.
type Object interface {
	Kind() string
	String() string
	gcHeader() *Header
}

// Header is embedded in every Object. It carries the collector's mark bit
// and the intrusive "every object ever allocated" list used for sweeping.
// Package gc is the only thing that touches these fields directly.
type Header struct {
	Marked bool
	Next   Object
}

func (h *Header) gcHeader() *Header { return h }

// HeaderOf exposes the Header for use by package gc without making the
// fields themselves exported on every concrete type.
func HeaderOf(o Object) *Header { return o.gcHeader() }

// ObjString is an immutable, interned byte sequence. Two interned strings
// with equal bytes share one *ObjString, so reference equality on
// *ObjString is string equality.
type ObjString struct {
	Header
	Chars string
	Hash  uint32
}

func HashString(s string) uint32 {
	// FNV-1a
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (s *ObjString) Kind() string   { return "string" }
func (s *ObjString) String() string { return s.Chars }

// ObjFunction is the compile-time artifact produced for the script and for
// every `fun`/method body. Chunk is stored as interface{} (rather than
// *chunk.Chunk) to avoid an import cycle between value and chunk; package
// chunk and package gc both know how to unwrap it.
type ObjFunction struct {
	Header
	Name          *ObjString
	Arity         int
	UpvalueCount  int
	Chunk         interface{}
}

func (f *ObjFunction) Kind() string { return "function" }
func (f *ObjFunction) String() string {
	if f.Name == nil {
		return "<script>"
	}
	return fmt.Sprintf("<fn %s>", f.Name.Chars)
}

// ObjUpvalue captures one stack slot shared by every closure that closed
// over it. While Closed is false, Location points into the VM value
// stack; once closed it owns Value directly.
type ObjUpvalue struct {
	Header
	Location *Value
	Closed   bool
	Value    Value
	// StackIndex is the slot this upvalue captured while open; used by the
	// VM to keep the open-upvalue list ordered and to find-or-create.
	StackIndex int
	NextOpen   *ObjUpvalue
}

func (u *ObjUpvalue) Kind() string   { return "upvalue" }
func (u *ObjUpvalue) String() string { return "<upvalue>" }

func (u *ObjUpvalue) Get() Value {
	if u.Closed {
		return u.Value
	}
	return *u.Location
}

func (u *ObjUpvalue) Set(v Value) {
	if u.Closed {
		u.Value = v
	} else {
		*u.Location = v
	}
}

// ObjClosure pairs a Function with the upvalues it captured at creation.
type ObjClosure struct {
	Header
	Function *ObjFunction
	Upvalues []*ObjUpvalue
}

func (c *ObjClosure) Kind() string { return "closure" }
func (c *ObjClosure) String() string {
	return c.Function.String()
}

// ObjNative is a host-provided callable.
type NativeFn func(args []Value) (Value, error)

type ObjNative struct {
	Header
	Name  string
	Arity int // -1 means variadic/unchecked
	Fn    NativeFn
}

func (n *ObjNative) Kind() string   { return "native" }
func (n *ObjNative) String() string { return fmt.Sprintf("<native fn %s>", n.Name) }

// ObjClass is a name plus a method table mapping method-name string to
// Closure. Inheritance copies the superclass's table into the subclass's
// at OP_INHERIT time (see the VM), so lookups never walk a chain.
type ObjClass struct {
	Header
	Name    *ObjString
	Methods map[string]*ObjClosure
}

func (c *ObjClass) Kind() string   { return "class" }
func (c *ObjClass) String() string { return fmt.Sprintf("<class %s>", c.Name.Chars) }

// ObjInstance is a reference to its class plus a field table.
type ObjInstance struct {
	Header
	Class  *ObjClass
	Fields map[string]Value
}

func (i *ObjInstance) Kind() string { return "instance" }
func (i *ObjInstance) String() string {
	return fmt.Sprintf("<%s instance>", i.Class.Name.Chars)
}

// ObjBoundMethod pairs a receiver with a method closure. Bound methods are
// synthesized fresh on every property access that resolves to a method;
// they are never interned.
type ObjBoundMethod struct {
	Header
	Receiver Value
	Method   *ObjClosure
}

func (b *ObjBoundMethod) Kind() string { return "bound method" }
func (b *ObjBoundMethod) String() string {
	return b.Method.Function.String()
}

// ObjArray is a dense, ordered, mutable sequence of Value.
type ObjArray struct {
	Header
	Elements []Value
}

func (a *ObjArray) Kind() string { return "array" }
func (a *ObjArray) String() string {
	parts := make([]string, len(a.Elements))
	for i, e := range a.Elements {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// DictKey is the subset of Value that can key an ObjDict: primitives, or
// an interned *ObjString (so key lookup is pointer equality, not a byte
// comparison).
type DictKey = Value

// ObjDict is a JSON-style mapping from hashable Value to Value. Backed by
// a swiss-table map keyed by dictKey, a comparable copy of the key Value's
// tag, int64, bool and Object fields (so an interned *ObjString key
// compares by pointer).
type ObjDict struct {
	Header
	entries *swiss.Map[dictKey, Value]
	order   []dictKey // insertion order, for deterministic disassembly/printing
}

type dictKey struct {
	typ Type
	i   int64
	b   bool
	obj Object
}

func NewDict() *ObjDict {
	return &ObjDict{entries: swiss.NewMap[dictKey, Value](8)}
}

func toDictKey(v Value) dictKey {
	return dictKey{typ: v.Type, i: v.Int, b: v.Bool, obj: v.Obj}
}

func (d *ObjDict) Get(k Value) (Value, bool) {
	return d.entries.Get(toDictKey(k))
}

func (d *ObjDict) Set(k, v Value) {
	dk := toDictKey(k)
	if !d.entries.Has(dk) {
		d.order = append(d.order, dk)
	}
	d.entries.Put(dk, v)
}

func (d *ObjDict) Len() int { return d.entries.Count() }

// Each iterates entries in insertion order.
func (d *ObjDict) Each(fn func(k, v Value)) {
	for _, dk := range d.order {
		v, ok := d.entries.Get(dk)
		if !ok {
			continue
		}
		key := Value{Type: dk.typ, Int: dk.i, Bool: dk.b, Obj: dk.obj}
		fn(key, v)
	}
}

// Values returns the dict's values in insertion order. Keys, below, returns
// the keys in the same order, each rebuilt from the fields toDictKey
// captured.
func (d *ObjDict) Values() []Value {
	vals := make([]Value, 0, d.Len())
	d.Each(func(_, v Value) { vals = append(vals, v) })
	return vals
}

func (d *ObjDict) Keys() []Value {
	keys := make([]Value, 0, d.Len())
	d.Each(func(k, _ Value) { keys = append(keys, k) })
	return keys
}

func (d *ObjDict) Kind() string { return "dict" }
func (d *ObjDict) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	d.Each(func(k, v Value) {
		if !first {
			b.WriteString(", ")
		}
		first = false
		if k.Type == OBJ {
			if s, ok := k.Obj.(*ObjString); ok {
				fmt.Fprintf(&b, "%q: %s", s.Chars, v.String())
				return
			}
		}
		fmt.Fprintf(&b, "%s: %s", k.String(), v.String())
	})
	b.WriteByte('}')
	return b.String()
}
