package analysis

import (
	"context"
	"log/slog"
	"unsafe"

	sitter "github.com/alexaandru/go-tree-sitter-bare"

	golang "github.com/alexaandru/go-sitter-forest/go"
	"github.com/alexaandru/go-sitter-forest/python"
)

// grammar is a tree-sitter language and the node types that declare functions.
type grammar struct {
	language  func() unsafe.Pointer
	functions map[string]struct{}
}

// grammars is keyed by the enry language name.
var grammars = map[string]grammar{
	"Go": {
		language:  golang.GetLanguage,
		functions: set("function_declaration", "method_declaration"),
	},
	"Python": {
		language:  python.GetLanguage,
		functions: set("function_definition"),
	},
}

func set(kinds ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		out[k] = struct{}{}
	}

	return out
}

// declarationCounter parses files with tree-sitter and counts the function
// declarations in them. Parsers are created per language on first use; the
// counter is used from the engine goroutine only.
type declarationCounter struct {
	logger  *slog.Logger
	parsers map[string]*sitter.Parser
}

func newDeclarationCounter(logger *slog.Logger) *declarationCounter {
	return &declarationCounter{logger: logger, parsers: map[string]*sitter.Parser{}}
}

// count returns the number of function declarations in content, or zero for
// languages without a grammar.
func (d *declarationCounter) count(language string, content []byte) int {
	g, ok := grammars[language]
	if !ok {
		return 0
	}

	parser, ok := d.parsers[language]
	if !ok {
		parser = sitter.NewParser()
		parser.SetLanguage(sitter.NewLanguage(g.language()))
		d.parsers[language] = parser
	}

	tree, err := parser.ParseString(context.Background(), nil, content)
	if err != nil {
		d.logger.Debug("analysis: parse failed", "language", language, "error", err)

		return 0
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.IsNull() {
		return 0
	}

	var n int

	stack := []sitter.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := g.functions[node.Type()]; ok {
			n++
		}

		for idx := range node.NamedChildCount() {
			stack = append(stack, node.NamedChild(idx))
		}
	}

	return n
}
