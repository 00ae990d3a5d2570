// Package chunk implements the bytecode buffer a Function compiles into:
// an append-only byte stream, a parallel source-line map, and a constant
// pool of at most 256 entries.
package chunk

import (
	"fmt"

	"github.com/kmora/wisp/internal/value"
)

type OpCode byte

const (
	OP_CONSTANT OpCode = iota
	OP_NIL
	OP_TRUE
	OP_FALSE
	OP_POP
	OP_GET_LOCAL
	OP_SET_LOCAL
	OP_GET_GLOBAL
	OP_SET_GLOBAL
	OP_DEFINE_GLOBAL
	OP_GET_UPVALUE
	OP_SET_UPVALUE
	OP_GET_PROPERTY
	OP_SET_PROPERTY
	OP_GET_SUPER
	OP_EQUAL
	OP_GREATER
	OP_LESS
	OP_ADD
	OP_SUBTRACT
	OP_MULTIPLY
	OP_DIVIDE
	OP_NOT
	OP_NEGATE
	OP_PRINT
	OP_JUMP
	OP_JUMP_IF_FALSE
	OP_LOOP
	OP_CALL
	OP_INVOKE
	OP_SUPER_INVOKE
	OP_CLOSURE
	OP_CLOSE_UPVALUE
	OP_RETURN
	OP_CLASS
	OP_INHERIT
	OP_METHOD
	OP_ARRAY
	OP_DICT
	OP_GET_ELEMENT
	OP_SET_ELEMENT
)

var names = [...]string{
	OP_CONSTANT:      "OP_CONSTANT",
	OP_NIL:           "OP_NIL",
	OP_TRUE:          "OP_TRUE",
	OP_FALSE:         "OP_FALSE",
	OP_POP:           "OP_POP",
	OP_GET_LOCAL:     "OP_GET_LOCAL",
	OP_SET_LOCAL:     "OP_SET_LOCAL",
	OP_GET_GLOBAL:    "OP_GET_GLOBAL",
	OP_SET_GLOBAL:    "OP_SET_GLOBAL",
	OP_DEFINE_GLOBAL: "OP_DEFINE_GLOBAL",
	OP_GET_UPVALUE:   "OP_GET_UPVALUE",
	OP_SET_UPVALUE:   "OP_SET_UPVALUE",
	OP_GET_PROPERTY:  "OP_GET_PROPERTY",
	OP_SET_PROPERTY:  "OP_SET_PROPERTY",
	OP_GET_SUPER:     "OP_GET_SUPER",
	OP_EQUAL:         "OP_EQUAL",
	OP_GREATER:       "OP_GREATER",
	OP_LESS:          "OP_LESS",
	OP_ADD:           "OP_ADD",
	OP_SUBTRACT:      "OP_SUBTRACT",
	OP_MULTIPLY:      "OP_MULTIPLY",
	OP_DIVIDE:        "OP_DIVIDE",
	OP_NOT:           "OP_NOT",
	OP_NEGATE:        "OP_NEGATE",
	OP_PRINT:         "OP_PRINT",
	OP_JUMP:          "OP_JUMP",
	OP_JUMP_IF_FALSE: "OP_JUMP_IF_FALSE",
	OP_LOOP:          "OP_LOOP",
	OP_CALL:          "OP_CALL",
	OP_INVOKE:        "OP_INVOKE",
	OP_SUPER_INVOKE:  "OP_SUPER_INVOKE",
	OP_CLOSURE:       "OP_CLOSURE",
	OP_CLOSE_UPVALUE: "OP_CLOSE_UPVALUE",
	OP_RETURN:        "OP_RETURN",
	OP_CLASS:         "OP_CLASS",
	OP_INHERIT:       "OP_INHERIT",
	OP_METHOD:        "OP_METHOD",
	OP_ARRAY:         "OP_ARRAY",
	OP_DICT:          "OP_DICT",
	OP_GET_ELEMENT:   "OP_GET_ELEMENT",
	OP_SET_ELEMENT:   "OP_SET_ELEMENT",
}

func (op OpCode) String() string {
	if int(op) < len(names) && names[op] != "" {
		return names[op]
	}
	return fmt.Sprintf("OP_%d", op)
}

// Chunk is a function's compiled bytecode plus its constant pool and
// source-line map. It implements the interface package gc uses to trace a
// Function's reachable constants without importing package chunk's
// disassembler concerns back into value.
type Chunk struct {
	Code      []byte
	Lines     []int
	Constants []value.Value
}

func New() *Chunk {
	return &Chunk{}
}

func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// AddConstant appends v to the constant pool and returns its index. The
// caller (the compiler) is responsible for enforcing the 256-entry limit;
// this just reports the resulting index.
func (c *Chunk) AddConstant(v value.Value) int {
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// ValueConstants implements gc.constantSource so the collector can trace a
// function's constant pool without a direct dependency cycle.
func (c *Chunk) ValueConstants() []value.Value { return c.Constants }

// Disassemble prints a human-readable listing of the chunk; used only for
// debugging (the --disassembly CLI flag).
func (c *Chunk) Disassemble(name string) {
	fmt.Printf("== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		offset = c.DisassembleInstruction(offset)
	}
}

// DisassembleAll disassembles this chunk and, recursively, every nested
// function chunk reachable through its constant pool.
func (c *Chunk) DisassembleAll(name string) {
	c.Disassemble(name)
	for _, constant := range c.Constants {
		if fn, ok := constant.Obj.(*value.ObjFunction); ok {
			if nested, ok := fn.Chunk.(*Chunk); ok {
				fmt.Println()
				fnName := "<script>"
				if fn.Name != nil {
					fnName = fn.Name.Chars
				}
				nested.DisassembleAll(fnName)
			}
		}
	}
}

func (c *Chunk) DisassembleInstruction(offset int) int {
	fmt.Printf("%04d ", offset)
	if offset > 0 && c.Lines[offset] == c.Lines[offset-1] {
		fmt.Print("   | ")
	} else {
		fmt.Printf("%4d ", c.Lines[offset])
	}

	op := OpCode(c.Code[offset])
	switch op {
	case OP_CONSTANT, OP_GET_GLOBAL, OP_SET_GLOBAL, OP_DEFINE_GLOBAL,
		OP_GET_PROPERTY, OP_SET_PROPERTY, OP_GET_SUPER, OP_CLASS, OP_METHOD:
		return c.constantInstruction(op.String(), offset)
	case OP_GET_LOCAL, OP_SET_LOCAL, OP_GET_UPVALUE, OP_SET_UPVALUE, OP_CALL, OP_ARRAY, OP_DICT:
		return c.byteInstruction(op.String(), offset)
	case OP_INVOKE, OP_SUPER_INVOKE:
		return c.invokeInstruction(op.String(), offset)
	case OP_JUMP, OP_JUMP_IF_FALSE, OP_LOOP:
		return c.jumpInstruction(op.String(), offset)
	case OP_CLOSURE:
		return c.closureInstruction(offset)
	default:
		fmt.Println(op.String())
		return offset + 1
	}
}

func (c *Chunk) constantInstruction(name string, offset int) int {
	idx := c.Code[offset+1]
	fmt.Printf("%-16s %4d '%s'\n", name, idx, c.Constants[idx])
	return offset + 2
}

func (c *Chunk) byteInstruction(name string, offset int) int {
	slot := c.Code[offset+1]
	fmt.Printf("%-16s %4d\n", name, slot)
	return offset + 2
}

func (c *Chunk) invokeInstruction(name string, offset int) int {
	idx := c.Code[offset+1]
	argc := c.Code[offset+2]
	fmt.Printf("%-16s (%d args) %4d '%s'\n", name, argc, idx, c.Constants[idx])
	return offset + 3
}

func (c *Chunk) jumpInstruction(name string, offset int) int {
	delta := uint16(c.Code[offset+1])<<8 | uint16(c.Code[offset+2])
	fmt.Printf("%-16s %4d\n", name, delta)
	return offset + 3
}

func (c *Chunk) closureInstruction(offset int) int {
	offset++
	constIdx := c.Code[offset]
	offset++
	fmt.Printf("%-16s %4d '%s'\n", "OP_CLOSURE", constIdx, c.Constants[constIdx])

	if fn, ok := c.Constants[constIdx].Obj.(*value.ObjFunction); ok {
		for i := 0; i < fn.UpvalueCount; i++ {
			isLocal := c.Code[offset]
			idx := c.Code[offset+1]
			kind := "upvalue"
			if isLocal == 1 {
				kind = "local"
			}
			fmt.Printf("%04d      |                     %s %d\n", offset, kind, idx)
			offset += 2
		}
	}
	return offset
}
