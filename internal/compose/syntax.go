package compose

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
)

// ErrSyntax is returned by CheckSyntax when content does not parse.
var ErrSyntax = errors.New("syntax error")

func languageFor(path string) *sitter.Language {
	switch filepath.Ext(path) {
	case ".py":
		return python.GetLanguage()
	case ".go":
		return golang.GetLanguage()
	}
	return nil
}

// CheckSyntax parses content as the language implied by path's extension
// and fails if the tree has errors. Unknown languages always pass.
func CheckSyntax(path, content string) error {
	lang := languageFor(path)
	if lang == nil {
		return nil
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(content))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}
	if n := firstError(root); n != nil {
		return fmt.Errorf("%w at line %d", ErrSyntax, n.StartPoint().Row+1)
	}
	return ErrSyntax
}

func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if c := n.Child(i); c != nil && c.HasError() {
			if e := firstError(c); e != nil {
				return e
			}
		}
	}
	return nil
}
