// Package compiler implements the single-pass Pratt compiler: it consumes
// tokens from package lexer and emits bytecode directly into package
// chunk Chunks, with no intervening AST. Scope resolution (locals,
// upvalues, globals), control-flow jump patching, and function/class
// nesting all happen inline as tokens are consumed.
package compiler

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kmora/wisp/internal/chunk"
	"github.com/kmora/wisp/internal/gc"
	"github.com/kmora/wisp/internal/lexer"
	"github.com/kmora/wisp/internal/token"
	"github.com/kmora/wisp/internal/value"
)

const (
	maxLocals    = 256
	maxUpvalues  = 256
	maxConstants = 256
	maxJump      = 1<<16 - 1
)

// Host is the handle to the VM a compile needs: a place to root
// newly-allocated objects while they are not yet attached to any chunk,
// and the collector those objects are allocated through.
type Host interface {
	Push(value.Value)
	Pop() value.Value
	GC() *gc.Collector
}

type Precedence int

const (
	PrecNone Precedence = iota
	PrecAssignment
	PrecOr
	PrecAnd
	PrecEquality
	PrecComparison
	PrecTerm
	PrecFactor
	PrecUnary
	PrecCall
	PrecPrimary
)

type parseFn func(p *Parser, canAssign bool)

type parseRule struct {
	prefix     parseFn
	infix      parseFn
	precedence Precedence
}

var rules map[token.Type]parseRule

func init() {
	rules = map[token.Type]parseRule{
		token.LEFT_PAREN:    {prefix: (*Parser).grouping, infix: (*Parser).call, precedence: PrecCall},
		token.LEFT_BRACKET:  {prefix: (*Parser).arrayLiteral, infix: (*Parser).subscript, precedence: PrecCall},
		token.LEFT_BRACE:    {prefix: (*Parser).dictLiteral},
		token.DOT:           {infix: (*Parser).dot, precedence: PrecCall},
		token.MINUS:         {prefix: (*Parser).unary, infix: (*Parser).binary, precedence: PrecTerm},
		token.PLUS:          {infix: (*Parser).binary, precedence: PrecTerm},
		token.SLASH:         {infix: (*Parser).binary, precedence: PrecFactor},
		token.STAR:          {infix: (*Parser).binary, precedence: PrecFactor},
		token.BANG:          {prefix: (*Parser).unary},
		token.BANG_EQUAL:    {infix: (*Parser).binary, precedence: PrecEquality},
		token.EQUAL_EQUAL:   {infix: (*Parser).binary, precedence: PrecEquality},
		token.GREATER:       {infix: (*Parser).binary, precedence: PrecComparison},
		token.GREATER_EQUAL: {infix: (*Parser).binary, precedence: PrecComparison},
		token.LESS:          {infix: (*Parser).binary, precedence: PrecComparison},
		token.LESS_EQUAL:    {infix: (*Parser).binary, precedence: PrecComparison},
		token.IDENTIFIER:    {prefix: (*Parser).variable},
		token.STRING:        {prefix: (*Parser).stringLiteral},
		token.NUMBER:        {prefix: (*Parser).number},
		token.AND:           {infix: (*Parser).and_, precedence: PrecAnd},
		token.OR:            {infix: (*Parser).or_, precedence: PrecOr},
		token.FALSE:         {prefix: (*Parser).literal},
		token.TRUE:          {prefix: (*Parser).literal},
		token.NIL:           {prefix: (*Parser).literal},
		token.THIS:          {prefix: (*Parser).this_},
		token.SUPER:         {prefix: (*Parser).super_},
	}
}

func getRule(t token.Type) parseRule { return rules[t] }

type FunctionType int

const (
	TypeFunction FunctionType = iota
	TypeScript
	TypeMethod
	TypeInitializer
)

type local struct {
	name       string
	depth      int
	isCaptured bool
}

type upvalue struct {
	index   byte
	isLocal bool
}

// funcCompiler is one entry in the compile-time chain: one per function
// (or script/method/initializer) currently being compiled.
type funcCompiler struct {
	enclosing  *funcCompiler
	fn         *value.ObjFunction
	chunk      *chunk.Chunk
	fnType     FunctionType
	locals     []local
	upvalues   []upvalue
	scopeDepth int
}

type classCompiler struct {
	enclosing     *classCompiler
	hasSuperclass bool
}

// Parser drives the single-pass compile: it owns the lexer, the lookahead
// tokens, error-recovery state, and the chain of in-progress function
// compilers.
type Parser struct {
	lex  *lexer.Lexer
	host Host
	gc   *gc.Collector

	current  token.Token
	previous token.Token

	hadError  bool
	panicMode bool

	fc    *funcCompiler
	class *classCompiler

	// pendingUpvalues carries the just-finished inner compiler's upvalue
	// list from endCompilerForClosure back to function(), which needs it
	// to emit the CLOSURE instruction's trailing (is_local, index) pairs
	// after the compiler itself has already been popped.
	pendingUpvalues []upvalue
}

// Compile compiles source into a root script Function, or returns
// (nil, false) after reporting one or more errors to stderr.
func Compile(source string, host Host) (*value.ObjFunction, bool) {
	p := &Parser{lex: lexer.New(source), host: host, gc: host.GC()}
	p.initCompiler(TypeScript, "")

	p.gc.CompileRoots = func() []value.Value {
		var roots []value.Value
		for fc := p.fc; fc != nil; fc = fc.enclosing {
			roots = append(roots, value.NewObj(fc.fn))
		}
		return roots
	}
	defer func() { p.gc.CompileRoots = nil }()

	p.advance()
	for !p.match(token.EOF) {
		p.declaration()
	}
	fn := p.endCompiler()
	if p.hadError {
		return nil, false
	}
	return fn, true
}

// --- token stream helpers ---

func (p *Parser) advance() {
	p.previous = p.current
	for {
		p.current = p.lex.NextToken()
		if p.current.Type != token.ERROR {
			break
		}
		p.errorAtCurrent(p.current.Message)
	}
}

func (p *Parser) check(t token.Type) bool { return p.current.Type == t }

func (p *Parser) match(t token.Type) bool {
	if !p.check(t) {
		return false
	}
	p.advance()
	return true
}

func (p *Parser) consume(t token.Type, msg string) {
	if p.current.Type == t {
		p.advance()
		return
	}
	p.errorAtCurrent(msg)
}

func (p *Parser) errorAtCurrent(msg string) { p.errorAt(p.current, msg) }
func (p *Parser) error(msg string)          { p.errorAt(p.previous, msg) }

func (p *Parser) errorAt(tok token.Token, msg string) {
	if p.panicMode {
		return
	}
	p.panicMode = true
	switch tok.Type {
	case token.EOF:
		fmt.Fprintf(os.Stderr, "[line %d] Error at end: %s\n", tok.Line, msg)
	case token.ERROR:
		fmt.Fprintf(os.Stderr, "[line %d] Error: %s\n", tok.Line, msg)
	default:
		fmt.Fprintf(os.Stderr, "[line %d] Error at '%s': %s\n", tok.Line, tok.Lexeme, msg)
	}
	p.hadError = true
}

func (p *Parser) synchronize() {
	p.panicMode = false
	for p.current.Type != token.EOF {
		if p.previous.Type == token.SEMICOLON {
			return
		}
		switch p.current.Type {
		case token.CLASS, token.FUN, token.VAR, token.FOR, token.IF, token.WHILE, token.PRINT, token.RETURN:
			return
		}
		p.advance()
	}
}

// --- emission helpers ---

func (p *Parser) currentChunk() *chunk.Chunk { return p.fc.chunk }

func (p *Parser) emitByte(b byte) { p.currentChunk().Write(b, p.previous.Line) }

func (p *Parser) emitBytes(b1, b2 byte) {
	p.emitByte(b1)
	p.emitByte(b2)
}

func (p *Parser) emitOp(op chunk.OpCode)             { p.emitByte(byte(op)) }
func (p *Parser) emitOpByte(op chunk.OpCode, b byte) { p.emitBytes(byte(op), b) }

func (p *Parser) emitLoop(loopStart int) {
	p.emitOp(chunk.OP_LOOP)
	offset := len(p.currentChunk().Code) - loopStart + 2
	if offset > maxJump {
		p.error("Loop body too large.")
	}
	p.emitByte(byte(offset >> 8))
	p.emitByte(byte(offset & 0xff))
}

func (p *Parser) emitJump(instr chunk.OpCode) int {
	p.emitOp(instr)
	p.emitByte(0xff)
	p.emitByte(0xff)
	return len(p.currentChunk().Code) - 2
}

func (p *Parser) patchJump(offset int) {
	jump := len(p.currentChunk().Code) - offset - 2
	if jump > maxJump {
		p.error("Too much code to jump over.")
	}
	p.currentChunk().Code[offset] = byte(jump >> 8)
	p.currentChunk().Code[offset+1] = byte(jump & 0xff)
}

func (p *Parser) emitReturn() {
	if p.fc.fnType == TypeInitializer {
		p.emitOpByte(chunk.OP_GET_LOCAL, 0)
	} else {
		p.emitOp(chunk.OP_NIL)
	}
	p.emitOp(chunk.OP_RETURN)
}

func (p *Parser) makeConstant(v value.Value) byte {
	if len(p.currentChunk().Constants) >= maxConstants {
		p.error("Too many constants in one chunk.")
		return 0
	}
	return byte(p.currentChunk().AddConstant(v))
}

func (p *Parser) emitConstant(v value.Value) {
	p.emitOpByte(chunk.OP_CONSTANT, p.makeConstant(v))
}

// internString interns s through the host's collector. The result is
// momentarily pushed onto (and popped from) the VM's value stack purely
// so a GC pass triggered mid-compile sees it as reachable before it is
// attached anywhere permanent.
func (p *Parser) internString(s string) *value.ObjString {
	str := p.gc.Intern(s)
	p.host.Push(value.NewObj(str))
	p.host.Pop()
	return str
}

// --- compiler (per-function) management ---

func (p *Parser) initCompiler(fnType FunctionType, name string) {
	fc := &funcCompiler{
		enclosing: p.fc,
		fn:        p.gc.NewFunction(),
		fnType:    fnType,
	}
	fc.chunk = chunk.New()
	fc.fn.Chunk = fc.chunk
	p.fc = fc
	if fnType != TypeScript {
		fc.fn.Name = p.internString(name)
	}
	// Slot 0 is reserved: "this" for methods/initializers, an unnamed
	// placeholder for plain functions and the script.
	slotName := ""
	if fnType == TypeMethod || fnType == TypeInitializer {
		slotName = "this"
	}
	fc.locals = append(fc.locals, local{name: slotName, depth: 0})
}

func (p *Parser) endCompiler() *value.ObjFunction {
	p.emitReturn()
	fn := p.fc.fn
	p.fc = p.fc.enclosing
	return fn
}

func (p *Parser) beginScope() { p.fc.scopeDepth++ }

func (p *Parser) endScope() {
	p.fc.scopeDepth--
	for len(p.fc.locals) > 0 && p.fc.locals[len(p.fc.locals)-1].depth > p.fc.scopeDepth {
		last := p.fc.locals[len(p.fc.locals)-1]
		if last.isCaptured {
			p.emitOp(chunk.OP_CLOSE_UPVALUE)
		} else {
			p.emitOp(chunk.OP_POP)
		}
		p.fc.locals = p.fc.locals[:len(p.fc.locals)-1]
	}
}

// --- variable resolution ---

func (p *Parser) identifierConstant(tok token.Token) byte {
	return p.makeConstant(value.NewObj(p.internString(tok.Lexeme)))
}

// resolveLocal returns the slot index, -1 if not found, or -2 if the name
// was found but is still "declared but uninitialized" (depth == -1).
func resolveLocal(fc *funcCompiler, name string) int {
	for i := len(fc.locals) - 1; i >= 0; i-- {
		if fc.locals[i].name == name {
			if fc.locals[i].depth == -1 {
				return -2
			}
			return i
		}
	}
	return -1
}

func addUpvalue(fc *funcCompiler, index byte, isLocal bool) int {
	for i, u := range fc.upvalues {
		if u.index == index && u.isLocal == isLocal {
			return i
		}
	}
	if len(fc.upvalues) >= maxUpvalues {
		return -1
	}
	fc.upvalues = append(fc.upvalues, upvalue{index: index, isLocal: isLocal})
	fc.fn.UpvalueCount = len(fc.upvalues)
	return len(fc.upvalues) - 1
}

// resolveUpvalue returns the upvalue index, -1 if the name is global, or
// -2 if found but still uninitialized in the enclosing function.
func resolveUpvalue(fc *funcCompiler, name string) int {
	if fc.enclosing == nil {
		return -1
	}
	if loc := resolveLocal(fc.enclosing, name); loc == -2 {
		return -2
	} else if loc >= 0 {
		fc.enclosing.locals[loc].isCaptured = true
		return addUpvalue(fc, byte(loc), true)
	}
	up := resolveUpvalue(fc.enclosing, name)
	if up == -2 {
		return -2
	}
	if up >= 0 {
		return addUpvalue(fc, byte(up), false)
	}
	return -1
}

func (p *Parser) addLocal(name string) {
	if len(p.fc.locals) >= maxLocals {
		p.error("Too many local variables in function.")
		return
	}
	p.fc.locals = append(p.fc.locals, local{name: name, depth: -1})
}

func (p *Parser) declareVariable() {
	if p.fc.scopeDepth == 0 {
		return
	}
	name := p.previous.Lexeme
	for i := len(p.fc.locals) - 1; i >= 0; i-- {
		l := p.fc.locals[i]
		if l.depth != -1 && l.depth < p.fc.scopeDepth {
			break
		}
		if l.name == name {
			p.error("Already a variable with this name in this scope.")
		}
	}
	p.addLocal(name)
}

func (p *Parser) parseVariable(errMsg string) byte {
	p.consume(token.IDENTIFIER, errMsg)
	p.declareVariable()
	if p.fc.scopeDepth > 0 {
		return 0
	}
	return p.identifierConstant(p.previous)
}

func (p *Parser) markInitialized() {
	if p.fc.scopeDepth == 0 {
		return
	}
	p.fc.locals[len(p.fc.locals)-1].depth = p.fc.scopeDepth
}

func (p *Parser) defineVariable(global byte) {
	if p.fc.scopeDepth > 0 {
		p.markInitialized()
		return
	}
	p.emitOpByte(chunk.OP_DEFINE_GLOBAL, global)
}

func (p *Parser) argumentList() byte {
	argc := 0
	if !p.check(token.RIGHT_PAREN) {
		for {
			p.expression()
			if argc == 255 {
				p.error("Can't have more than 255 arguments.")
			}
			argc++
			if !p.match(token.COMMA) {
				break
			}
		}
	}
	p.consume(token.RIGHT_PAREN, "Expect ')' after arguments.")
	return byte(argc)
}

// --- expression parsing ---

func (p *Parser) expression() { p.parsePrecedence(PrecAssignment) }

func (p *Parser) parsePrecedence(prec Precedence) {
	p.advance()
	rule := getRule(p.previous.Type)
	if rule.prefix == nil {
		p.error("Expect expression.")
		return
	}
	canAssign := prec <= PrecAssignment
	rule.prefix(p, canAssign)

	for {
		next := getRule(p.current.Type)
		if next.precedence == PrecNone || prec > next.precedence {
			break
		}
		p.advance()
		infix := getRule(p.previous.Type).infix
		infix(p, canAssign)
	}

	if canAssign && (p.check(token.EQUAL) || p.check(token.PLUS_EQUAL) || p.check(token.MINUS_EQUAL)) {
		p.error("Invalid assignment target.")
		p.advance()
	}
}

func (p *Parser) number(canAssign bool) {
	lex := p.previous.Lexeme
	for i := 0; i < len(lex); i++ {
		if lex[i] == '.' {
			p.error("Fractional number literals are not supported; integers only.")
			return
		}
	}
	n, err := strconv.ParseInt(lex, 10, 64)
	if err != nil {
		p.error("Invalid number literal.")
		return
	}
	p.emitConstant(value.NewInt(n))
}

func (p *Parser) stringLiteral(canAssign bool) {
	lex := p.previous.Lexeme
	raw := lex[1 : len(lex)-1] // strip surrounding quotes; no escapes
	p.emitConstant(value.NewObj(p.internString(raw)))
}

func (p *Parser) literal(canAssign bool) {
	switch p.previous.Type {
	case token.FALSE:
		p.emitOp(chunk.OP_FALSE)
	case token.TRUE:
		p.emitOp(chunk.OP_TRUE)
	case token.NIL:
		p.emitOp(chunk.OP_NIL)
	}
}

func (p *Parser) grouping(canAssign bool) {
	p.expression()
	p.consume(token.RIGHT_PAREN, "Expect ')' after expression.")
}

func (p *Parser) unary(canAssign bool) {
	opType := p.previous.Type
	p.parsePrecedence(PrecUnary)
	switch opType {
	case token.MINUS:
		p.emitOp(chunk.OP_NEGATE)
	case token.BANG:
		p.emitOp(chunk.OP_NOT)
	}
}

func (p *Parser) binary(canAssign bool) {
	opType := p.previous.Type
	rule := getRule(opType)
	p.parsePrecedence(rule.precedence + 1)

	switch opType {
	case token.BANG_EQUAL:
		p.emitOp(chunk.OP_EQUAL)
		p.emitOp(chunk.OP_NOT)
	case token.EQUAL_EQUAL:
		p.emitOp(chunk.OP_EQUAL)
	case token.GREATER:
		p.emitOp(chunk.OP_GREATER)
	case token.GREATER_EQUAL:
		p.emitOp(chunk.OP_LESS)
		p.emitOp(chunk.OP_NOT)
	case token.LESS:
		p.emitOp(chunk.OP_LESS)
	case token.LESS_EQUAL:
		p.emitOp(chunk.OP_GREATER)
		p.emitOp(chunk.OP_NOT)
	case token.PLUS:
		p.emitOp(chunk.OP_ADD)
	case token.MINUS:
		p.emitOp(chunk.OP_SUBTRACT)
	case token.STAR:
		p.emitOp(chunk.OP_MULTIPLY)
	case token.SLASH:
		p.emitOp(chunk.OP_DIVIDE)
	}
}

func (p *Parser) and_(canAssign bool) {
	endJump := p.emitJump(chunk.OP_JUMP_IF_FALSE)
	p.emitOp(chunk.OP_POP)
	p.parsePrecedence(PrecAnd)
	p.patchJump(endJump)
}

func (p *Parser) or_(canAssign bool) {
	elseJump := p.emitJump(chunk.OP_JUMP_IF_FALSE)
	endJump := p.emitJump(chunk.OP_JUMP)
	p.patchJump(elseJump)
	p.emitOp(chunk.OP_POP)
	p.parsePrecedence(PrecOr)
	p.patchJump(endJump)
}

func (p *Parser) call(canAssign bool) {
	argc := p.argumentList()
	p.emitOpByte(chunk.OP_CALL, argc)
}

// dot compiles property access, assignment, and the call-site INVOKE
// optimization. Compound assignment (+=, -=) on a property is not
// supported: the trailing operator is left unconsumed so
// parsePrecedence's generic "invalid assignment target" check fires.
func (p *Parser) dot(canAssign bool) {
	p.consume(token.IDENTIFIER, "Expect property name after '.'.")
	name := p.identifierConstant(p.previous)

	switch {
	case canAssign && p.match(token.EQUAL):
		p.expression()
		p.emitOpByte(chunk.OP_SET_PROPERTY, name)
	case p.match(token.LEFT_PAREN):
		argc := p.argumentList()
		p.emitOpByte(chunk.OP_INVOKE, name)
		p.emitByte(argc)
	default:
		p.emitOpByte(chunk.OP_GET_PROPERTY, name)
	}
}

// subscript compiles e[k], e[k] = v. Like dot, compound assignment on a
// subscript target is left for parsePrecedence to reject.
func (p *Parser) subscript(canAssign bool) {
	p.expression()
	p.consume(token.RIGHT_BRACKET, "Expect ']' after index.")

	if canAssign && p.match(token.EQUAL) {
		p.expression()
		p.emitOp(chunk.OP_SET_ELEMENT)
		return
	}
	p.emitOp(chunk.OP_GET_ELEMENT)
}

func (p *Parser) arrayLiteral(canAssign bool) {
	n := 0
	if !p.check(token.RIGHT_BRACKET) {
		for {
			p.expression()
			n++
			if !p.match(token.COMMA) {
				break
			}
		}
	}
	p.consume(token.RIGHT_BRACKET, "Expect ']' after array elements.")
	if n > 255 {
		p.error("Too many elements in array literal.")
	}
	p.emitOpByte(chunk.OP_ARRAY, byte(n))
}

func (p *Parser) dictLiteral(canAssign bool) {
	n := 0
	if !p.check(token.RIGHT_BRACE) {
		for {
			p.expression()
			p.consume(token.COLON, "Expect ':' after dict key.")
			p.expression()
			n++
			if !p.match(token.COMMA) {
				break
			}
		}
	}
	p.consume(token.RIGHT_BRACE, "Expect '}' after dict entries.")
	if n > 255 {
		p.error("Too many entries in dict literal.")
	}
	p.emitOpByte(chunk.OP_DICT, byte(n))
}

// namedVariable resolves name to a local, upvalue, or global and compiles
// a read, a plain store (=), or a compound store (+=, -=) against it.
func (p *Parser) namedVariable(name token.Token, canAssign bool) {
	var getOp, setOp chunk.OpCode
	var arg int

	if slot := resolveLocal(p.fc, name.Lexeme); slot == -2 {
		p.error("Can't read local variable in its own initializer.")
		return
	} else if slot >= 0 {
		getOp, setOp, arg = chunk.OP_GET_LOCAL, chunk.OP_SET_LOCAL, slot
	} else if up := resolveUpvalue(p.fc, name.Lexeme); up == -2 {
		p.error("Can't read local variable in its own initializer.")
		return
	} else if up >= 0 {
		getOp, setOp, arg = chunk.OP_GET_UPVALUE, chunk.OP_SET_UPVALUE, up
	} else {
		getOp, setOp, arg = chunk.OP_GET_GLOBAL, chunk.OP_SET_GLOBAL, int(p.identifierConstant(name))
	}

	switch {
	case canAssign && p.match(token.EQUAL):
		p.expression()
		p.emitOpByte(setOp, byte(arg))
	case canAssign && p.check(token.PLUS_EQUAL) || canAssign && p.check(token.MINUS_EQUAL):
		var binOp chunk.OpCode
		if p.match(token.PLUS_EQUAL) {
			binOp = chunk.OP_ADD
		} else {
			p.advance() // MINUS_EQUAL
			binOp = chunk.OP_SUBTRACT
		}
		p.emitOpByte(getOp, byte(arg))
		p.expression()
		p.emitOp(binOp)
		p.emitOpByte(setOp, byte(arg))
	default:
		p.emitOpByte(getOp, byte(arg))
	}
}

func (p *Parser) variable(canAssign bool) { p.namedVariable(p.previous, canAssign) }

func syntheticToken(lexeme string) token.Token { return token.Token{Type: token.IDENTIFIER, Lexeme: lexeme} }

func (p *Parser) this_(canAssign bool) {
	if p.class == nil {
		p.error("Can't use 'this' outside of a class.")
		return
	}
	p.namedVariable(syntheticToken("this"), false)
}

func (p *Parser) super_(canAssign bool) {
	if p.class == nil {
		p.error("Can't use 'super' outside of a class.")
	} else if !p.class.hasSuperclass {
		p.error("Can't use 'super' in a class with no superclass.")
	}
	p.consume(token.DOT, "Expect '.' after 'super'.")
	p.consume(token.IDENTIFIER, "Expect superclass method name.")
	name := p.identifierConstant(p.previous)

	p.namedVariable(syntheticToken("this"), false)
	if p.match(token.LEFT_PAREN) {
		argc := p.argumentList()
		p.namedVariable(syntheticToken("super"), false)
		p.emitOpByte(chunk.OP_SUPER_INVOKE, name)
		p.emitByte(argc)
	} else {
		p.namedVariable(syntheticToken("super"), false)
		p.emitOpByte(chunk.OP_GET_SUPER, name)
	}
}

// --- statements & declarations ---

func (p *Parser) declaration() {
	switch {
	case p.match(token.CLASS):
		p.classDeclaration()
	case p.match(token.FUN):
		p.funDeclaration()
	case p.match(token.VAR):
		p.varDeclaration()
	default:
		p.statement()
	}
	if p.panicMode {
		p.synchronize()
	}
}

func (p *Parser) varDeclaration() {
	global := p.parseVariable("Expect variable name.")
	if p.match(token.EQUAL) {
		p.expression()
	} else {
		p.emitOp(chunk.OP_NIL)
	}
	p.consume(token.SEMICOLON, "Expect ';' after variable declaration.")
	p.defineVariable(global)
}

func (p *Parser) funDeclaration() {
	global := p.parseVariable("Expect function name.")
	p.markInitialized()
	p.function(TypeFunction)
	p.defineVariable(global)
}

func (p *Parser) function(fnType FunctionType) {
	name := p.previous.Lexeme
	p.initCompiler(fnType, name)
	p.beginScope()

	p.consume(token.LEFT_PAREN, "Expect '(' after function name.")
	if !p.check(token.RIGHT_PAREN) {
		for {
			p.fc.fn.Arity++
			if p.fc.fn.Arity > 255 {
				p.errorAtCurrent("Can't have more than 255 parameters.")
			}
			constant := p.parseVariable("Expect parameter name.")
			p.defineVariable(constant)
			if !p.match(token.COMMA) {
				break
			}
		}
	}
	p.consume(token.RIGHT_PAREN, "Expect ')' after parameters.")
	p.consume(token.LEFT_BRACE, "Expect '{' before function body.")
	p.block()

	fn := p.endCompilerForClosure()
	idx := p.makeConstant(value.NewObj(fn))
	p.emitOpByte(chunk.OP_CLOSURE, idx)
	for _, u := range p.pendingUpvalues {
		isLocal := byte(0)
		if u.isLocal {
			isLocal = 1
		}
		p.emitByte(isLocal)
		p.emitByte(u.index)
	}
}

// endCompilerForClosure is endCompiler plus capturing the finished
// compiler's upvalue list before it is discarded.
func (p *Parser) endCompilerForClosure() *value.ObjFunction {
	p.emitReturn()
	fn := p.fc.fn
	p.pendingUpvalues = p.fc.upvalues
	p.fc = p.fc.enclosing
	return fn
}

func (p *Parser) method() {
	p.consume(token.IDENTIFIER, "Expect method name.")
	name := p.identifierConstant(p.previous)
	fnType := TypeMethod
	if p.previous.Lexeme == "init" {
		fnType = TypeInitializer
	}
	p.function(fnType)
	p.emitOpByte(chunk.OP_METHOD, name)
}

func (p *Parser) classDeclaration() {
	p.consume(token.IDENTIFIER, "Expect class name.")
	nameTok := p.previous
	nameConst := p.identifierConstant(nameTok)
	p.declareVariable()

	p.emitOpByte(chunk.OP_CLASS, nameConst)
	p.defineVariable(nameConst)

	cc := &classCompiler{enclosing: p.class}
	p.class = cc

	if p.match(token.LESS) {
		p.consume(token.IDENTIFIER, "Expect superclass name.")
		p.variable(false)
		if p.previous.Lexeme == nameTok.Lexeme {
			p.error("A class can't inherit from itself.")
		}
		p.beginScope()
		p.addLocal("super")
		p.defineVariable(0)

		p.namedVariable(nameTok, false)
		p.emitOp(chunk.OP_INHERIT)
		cc.hasSuperclass = true
	}

	p.namedVariable(nameTok, false)
	p.consume(token.LEFT_BRACE, "Expect '{' before class body.")
	for !p.check(token.RIGHT_BRACE) && !p.check(token.EOF) {
		p.method()
	}
	p.consume(token.RIGHT_BRACE, "Expect '}' after class body.")
	p.emitOp(chunk.OP_POP) // drop the class value the body pushed for METHOD

	if cc.hasSuperclass {
		p.endScope()
	}
	p.class = p.class.enclosing
}

func (p *Parser) block() {
	for !p.check(token.RIGHT_BRACE) && !p.check(token.EOF) {
		p.declaration()
	}
	p.consume(token.RIGHT_BRACE, "Expect '}' after block.")
}

func (p *Parser) statement() {
	switch {
	case p.match(token.PRINT):
		p.printStatement()
	case p.match(token.IF):
		p.ifStatement()
	case p.match(token.WHILE):
		p.whileStatement()
	case p.match(token.FOR):
		p.forStatement()
	case p.match(token.RETURN):
		p.returnStatement()
	case p.match(token.LEFT_BRACE):
		p.beginScope()
		p.block()
		p.endScope()
	default:
		p.expressionStatement()
	}
}

func (p *Parser) printStatement() {
	p.expression()
	p.consume(token.SEMICOLON, "Expect ';' after value.")
	p.emitOp(chunk.OP_PRINT)
}

func (p *Parser) expressionStatement() {
	p.expression()
	p.consume(token.SEMICOLON, "Expect ';' after expression.")
	p.emitOp(chunk.OP_POP)
}

func (p *Parser) ifStatement() {
	p.consume(token.LEFT_PAREN, "Expect '(' after 'if'.")
	p.expression()
	p.consume(token.RIGHT_PAREN, "Expect ')' after condition.")

	thenJump := p.emitJump(chunk.OP_JUMP_IF_FALSE)
	p.emitOp(chunk.OP_POP)
	p.statement()

	elseJump := p.emitJump(chunk.OP_JUMP)
	p.patchJump(thenJump)
	p.emitOp(chunk.OP_POP)

	if p.match(token.ELSE) {
		p.statement()
	}
	p.patchJump(elseJump)
}

func (p *Parser) whileStatement() {
	loopStart := len(p.currentChunk().Code)
	p.consume(token.LEFT_PAREN, "Expect '(' after 'while'.")
	p.expression()
	p.consume(token.RIGHT_PAREN, "Expect ')' after condition.")

	exitJump := p.emitJump(chunk.OP_JUMP_IF_FALSE)
	p.emitOp(chunk.OP_POP)
	p.statement()
	p.emitLoop(loopStart)

	p.patchJump(exitJump)
	p.emitOp(chunk.OP_POP)
}

func (p *Parser) forStatement() {
	p.beginScope()
	p.consume(token.LEFT_PAREN, "Expect '(' after 'for'.")

	switch {
	case p.match(token.SEMICOLON):
		// no initializer
	case p.match(token.VAR):
		p.varDeclaration()
	default:
		p.expressionStatement()
	}

	loopStart := len(p.currentChunk().Code)
	exitJump := -1
	if !p.match(token.SEMICOLON) {
		p.expression()
		p.consume(token.SEMICOLON, "Expect ';' after loop condition.")
		exitJump = p.emitJump(chunk.OP_JUMP_IF_FALSE)
		p.emitOp(chunk.OP_POP)
	}

	if !p.check(token.RIGHT_PAREN) {
		bodyJump := p.emitJump(chunk.OP_JUMP)
		incrementStart := len(p.currentChunk().Code)
		p.expression()
		p.emitOp(chunk.OP_POP)
		p.consume(token.RIGHT_PAREN, "Expect ')' after for clauses.")

		p.emitLoop(loopStart)
		loopStart = incrementStart
		p.patchJump(bodyJump)
	} else {
		p.consume(token.RIGHT_PAREN, "Expect ')' after for clauses.")
	}

	p.statement()
	p.emitLoop(loopStart)

	if exitJump != -1 {
		p.patchJump(exitJump)
		p.emitOp(chunk.OP_POP)
	}
	p.endScope()
}

func (p *Parser) returnStatement() {
	if p.fc.fnType == TypeScript {
		p.error("Can't return from top-level code.")
	}
	if p.match(token.SEMICOLON) {
		p.emitReturn()
		return
	}
	if p.fc.fnType == TypeInitializer {
		p.error("Can't return a value from an initializer.")
	}
	p.expression()
	p.consume(token.SEMICOLON, "Expect ';' after return value.")
	p.emitOp(chunk.OP_RETURN)
}
