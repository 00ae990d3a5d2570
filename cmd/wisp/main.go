// Command wisp is the CLI driver: a script runner when given a file
// argument, otherwise a REPL. Both are thin wrappers around
// compiler.Compile and vm.VM.Interpret; see internal/vm for everything
// that actually happens.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/kmora/wisp/internal/chunk"
	"github.com/kmora/wisp/internal/compiler"
	"github.com/kmora/wisp/internal/natives"
	"github.com/kmora/wisp/internal/vm"
)

const version = "v0.1.0"

func main() {
	showDisassembly := flag.Bool("disassembly", false, "Show bytecode disassembly before running")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show this help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: wisp [options] [file]\n\nOptions:\n")
		flag.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(os.Stderr, "  --%s\n\t%s\n", f.Name, f.Usage)
		})
	}
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}

	if *showVersion {
		fmt.Printf("wisp %s\n", version)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		runREPL(*showDisassembly)
		return
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %s\n", err)
		os.Exit(1)
	}
	os.Exit(runFile(args[0], string(content), *showDisassembly))
}

func newVM() *vm.VM {
	machine := vm.New()
	natives.Register(machine)
	return machine
}

// runFile compiles and runs source once. Exit codes match the spec's
// external-interface contract: 0 ok, 65 compile error, 70 runtime error.
func runFile(name, source string, disasm bool) int {
	machine := newVM()
	if disasm {
		if err := disassemble(name, source, machine); err != nil {
			return 65
		}
	}
	switch machine.Interpret(source).(type) {
	case nil:
		return 0
	case *vm.CompileError:
		return 65
	default:
		return 70
	}
}

// disassemble compiles (without running) purely to print the chunk tree;
// a compile error here is reported the same way Interpret would report it.
func disassemble(name, source string, machine *vm.VM) error {
	fn, ok := compiler.Compile(source, machine)
	if !ok {
		return fmt.Errorf("compile error")
	}
	fn.Chunk.(*chunk.Chunk).DisassembleAll(name)
	fmt.Println()
	return nil
}

// runREPL reads a line at a time against a single persistent VM (so
// globals survive across lines) and echoes single-expression statements,
// matching the teacher's REPL convenience behavior. Prompts are
// suppressed when stdin isn't a terminal, e.g. piped or scripted input.
func runREPL(disasm bool) {
	interactive := isatty.IsTerminal(os.Stdin.Fd())
	if interactive {
		fmt.Printf("wisp %s\n", version)
		fmt.Println("Type 'exit' to quit.")
	}

	machine := newVM()
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if interactive {
			fmt.Print(">>> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" {
			break
		}
		if line == "" {
			continue
		}

		source := echoExpression(line)
		if disasm {
			_ = disassemble("REPL", source, machine)
		}
		machine.Interpret(source)
	}
}

// echoExpression wraps a bare expression statement in `print` so the REPL
// shows a value the way most REPLs do; anything else (a declaration, an
// already-`print`ed statement, multiple statements) is run as typed.
func echoExpression(line string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(line), ";")
	if trimmed == "" {
		return line
	}
	for _, kw := range []string{"var ", "fun ", "class ", "print ", "if ", "if(", "while", "for", "return"} {
		if strings.HasPrefix(trimmed, kw) {
			return line
		}
	}
	if strings.Contains(line, "{") || strings.Contains(trimmed, ";") {
		return line
	}
	return "print " + trimmed + ";"
}
