// Package analyze builds the federation graph of a hosted repository.
//
// Import registers a repository and records one file node per blob of its
// default branch. Analyze does the same and adds function and class nodes
// for every source file the parser understands.
package analyze

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

// Symbol is a declaration found in a source file.
type Symbol struct {
	Name      string
	Kind      model.NodeType
	Line      int // 1-based
	Signature string
}

// Parser extracts symbols from Python and Go sources. It is safe for
// concurrent use.
type Parser struct {
	mu       sync.Mutex
	pyParser *sitter.Parser
	goParser *sitter.Parser
}

// NewParser creates a parser.
func NewParser() *Parser {
	pyParser := sitter.NewParser()
	pyParser.SetLanguage(python.GetLanguage())

	goParser := sitter.NewParser()
	goParser.SetLanguage(golang.GetLanguage())

	return &Parser{pyParser: pyParser, goParser: goParser}
}

// Close releases the underlying parsers.
func (p *Parser) Close() {
	p.pyParser.Close()
	p.goParser.Close()
}

// Supported reports whether path is a language the parser understands.
func Supported(path string) bool {
	switch filepath.Ext(path) {
	case ".py", ".go":
		return true
	}
	return false
}

// Parse returns the symbols declared in content. Files in unsupported
// languages yield no symbols.
func (p *Parser) Parse(path string, content []byte) ([]Symbol, error) {
	var parser *sitter.Parser
	var extract func(*sitter.Node, []byte) []Symbol
	switch filepath.Ext(path) {
	case ".py":
		parser, extract = p.pyParser, extractPython
	case ".go":
		parser, extract = p.goParser, extractGo
	default:
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer tree.Close()
	return extract(tree.RootNode(), content), nil
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// ==================== Python ====================

func extractPython(root *sitter.Node, content []byte) []Symbol {
	var symbols []Symbol
	var walk func(n *sitter.Node, class string)
	walk = func(n *sitter.Node, class string) {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			switch child.Type() {
			case "function_definition":
				if sym, ok := pythonFunction(child, content, class); ok {
					symbols = append(symbols, sym)
				}
			case "class_definition":
				name := child.ChildByFieldName("name")
				if name == nil {
					continue
				}
				className := name.Content(content)
				sig := "class " + className
				if bases := child.ChildByFieldName("superclasses"); bases != nil {
					sig += bases.Content(content)
				}
				symbols = append(symbols, Symbol{Name: className, Kind: model.NodeClass, Line: line(child), Signature: sig})
				if body := child.ChildByFieldName("body"); body != nil {
					walk(body, className)
				}
			case "decorated_definition", "if_statement", "try_statement", "block",
				"else_clause", "elif_clause", "except_clause", "finally_clause":
				walk(child, class)
			}
		}
	}
	walk(root, "")
	return symbols
}

func pythonFunction(n *sitter.Node, content []byte, class string) (Symbol, bool) {
	name := n.ChildByFieldName("name")
	if name == nil {
		return Symbol{}, false
	}
	fn := name.Content(content)
	params := ""
	if p := n.ChildByFieldName("parameters"); p != nil {
		params = p.Content(content)
	}
	full := fn
	if class != "" {
		full = class + "." + fn
	}
	return Symbol{Name: full, Kind: model.NodeFunction, Line: line(n), Signature: "def " + fn + params}, true
}

// ==================== Go ====================

func extractGo(root *sitter.Node, content []byte) []Symbol {
	var symbols []Symbol
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		switch n.Type() {
		case "function_declaration":
			name := n.ChildByFieldName("name")
			if name == nil {
				continue
			}
			symbols = append(symbols, Symbol{
				Name:      name.Content(content),
				Kind:      model.NodeFunction,
				Line:      line(n),
				Signature: "func " + name.Content(content) + goParams(n, content),
			})
		case "method_declaration":
			name := n.ChildByFieldName("name")
			if name == nil {
				continue
			}
			full := name.Content(content)
			if recv := goReceiver(n.ChildByFieldName("receiver"), content); recv != "" {
				full = recv + "." + full
			}
			symbols = append(symbols, Symbol{
				Name:      full,
				Kind:      model.NodeFunction,
				Line:      line(n),
				Signature: "func " + full + goParams(n, content),
			})
		case "type_declaration":
			for j := 0; j < int(n.NamedChildCount()); j++ {
				spec := n.NamedChild(j)
				if spec.Type() != "type_spec" {
					continue
				}
				name, typ := spec.ChildByFieldName("name"), spec.ChildByFieldName("type")
				if name == nil || typ == nil {
					continue
				}
				switch typ.Type() {
				case "struct_type", "interface_type":
					kw := strings.TrimSuffix(typ.Type(), "_type")
					symbols = append(symbols, Symbol{
						Name:      name.Content(content),
						Kind:      model.NodeClass,
						Line:      line(spec),
						Signature: "type " + name.Content(content) + " " + kw,
					})
				}
			}
		}
	}
	return symbols
}

func goParams(n *sitter.Node, content []byte) string {
	if p := n.ChildByFieldName("parameters"); p != nil {
		return p.Content(content)
	}
	return "()"
}

// goReceiver returns the base type name of a method receiver, without
// pointer or type parameters.
func goReceiver(recv *sitter.Node, content []byte) string {
	if recv == nil {
		return ""
	}
	var find func(n *sitter.Node) string
	find = func(n *sitter.Node) string {
		if n.Type() == "type_identifier" {
			return n.Content(content)
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if s := find(n.NamedChild(i)); s != "" {
				return s
			}
		}
		return ""
	}
	for i := 0; i < int(recv.NamedChildCount()); i++ {
		param := recv.NamedChild(i)
		if t := param.ChildByFieldName("type"); t != nil {
			return find(t)
		}
	}
	return ""
}
