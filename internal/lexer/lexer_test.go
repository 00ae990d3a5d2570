package lexer

import (
	"testing"

	"github.com/kmora/wisp/internal/token"
)

func TestNextToken(t *testing.T) {
	input := `class Greeter < Base {
  init(name) {
    this.name = name;
  }
  greet() {
    super.greet();
    print "hi " + this.name;
  }
}
var a = [1, 2, 3];
var d = {"k": 1};
a[0] += 1;
// a comment
if (a != nil and true or false) { return; }
`

	tests := []struct {
		expectedType   token.Type
		expectedLexeme string
	}{
		{token.CLASS, "class"},
		{token.IDENTIFIER, "Greeter"},
		{token.LESS, "<"},
		{token.IDENTIFIER, "Base"},
		{token.LEFT_BRACE, "{"},
		{token.IDENTIFIER, "init"},
		{token.LEFT_PAREN, "("},
		{token.IDENTIFIER, "name"},
		{token.RIGHT_PAREN, ")"},
		{token.LEFT_BRACE, "{"},
		{token.THIS, "this"},
		{token.DOT, "."},
		{token.IDENTIFIER, "name"},
		{token.EQUAL, "="},
		{token.IDENTIFIER, "name"},
		{token.SEMICOLON, ";"},
		{token.RIGHT_BRACE, "}"},
		{token.IDENTIFIER, "greet"},
		{token.LEFT_PAREN, "("},
		{token.RIGHT_PAREN, ")"},
		{token.LEFT_BRACE, "{"},
		{token.SUPER, "super"},
		{token.DOT, "."},
		{token.IDENTIFIER, "greet"},
		{token.LEFT_PAREN, "("},
		{token.RIGHT_PAREN, ")"},
		{token.SEMICOLON, ";"},
		{token.PRINT, "print"},
		{token.STRING, "\"hi \""},
		{token.PLUS, "+"},
		{token.THIS, "this"},
		{token.DOT, "."},
		{token.IDENTIFIER, "name"},
		{token.SEMICOLON, ";"},
		{token.RIGHT_BRACE, "}"},
		{token.RIGHT_BRACE, "}"},
		{token.VAR, "var"},
		{token.IDENTIFIER, "a"},
		{token.EQUAL, "="},
		{token.LEFT_BRACKET, "["},
		{token.NUMBER, "1"},
		{token.COMMA, ","},
		{token.NUMBER, "2"},
		{token.COMMA, ","},
		{token.NUMBER, "3"},
		{token.RIGHT_BRACKET, "]"},
		{token.SEMICOLON, ";"},
		{token.VAR, "var"},
		{token.IDENTIFIER, "d"},
		{token.EQUAL, "="},
		{token.LEFT_BRACE, "{"},
		{token.STRING, "\"k\""},
		{token.COLON, ":"},
		{token.NUMBER, "1"},
		{token.RIGHT_BRACE, "}"},
		{token.SEMICOLON, ";"},
		{token.IDENTIFIER, "a"},
		{token.LEFT_BRACKET, "["},
		{token.NUMBER, "0"},
		{token.RIGHT_BRACKET, "]"},
		{token.PLUS_EQUAL, "+="},
		{token.NUMBER, "1"},
		{token.SEMICOLON, ";"},
		{token.IF, "if"},
		{token.LEFT_PAREN, "("},
		{token.IDENTIFIER, "a"},
		{token.BANG_EQUAL, "!="},
		{token.NIL, "nil"},
		{token.AND, "and"},
		{token.TRUE, "true"},
		{token.OR, "or"},
		{token.FALSE, "false"},
		{token.RIGHT_PAREN, ")"},
		{token.LEFT_BRACE, "{"},
		{token.RETURN, "return"},
		{token.SEMICOLON, ";"},
		{token.RIGHT_BRACE, "}"},
		{token.EOF, ""},
	}

	l := New(input)
	for i, tt := range tests {
		tok := l.NextToken()
		if tok.Type != tt.expectedType {
			t.Fatalf("tests[%d] - tokentype wrong. expected=%s, got=%s (lexeme %q)", i, tt.expectedType, tok.Type, tok.Lexeme)
		}
		if tok.Lexeme != tt.expectedLexeme {
			t.Fatalf("tests[%d] - lexeme wrong. expected=%q, got=%q", i, tt.expectedLexeme, tok.Lexeme)
		}
	}
}

func TestUnterminatedString(t *testing.T) {
	l := New(`"abc`)
	tok := l.NextToken()
	if tok.Type != token.ERROR {
		t.Fatalf("expected ERROR token, got %s", tok.Type)
	}
}

func TestFractionalNumberLexemeIncludesDot(t *testing.T) {
	l := New("1.5")
	tok := l.NextToken()
	if tok.Type != token.NUMBER || tok.Lexeme != "1.5" {
		t.Fatalf("expected NUMBER \"1.5\", got %s %q", tok.Type, tok.Lexeme)
	}
}
