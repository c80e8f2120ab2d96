package planner

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// IssueHeadline returns the first heading of an issue body, or the first
// paragraph when the body has no headings.
func IssueHeadline(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	source := []byte(body)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var headline string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || headline != "" {
			return ast.WalkContinue, nil
		}
		switch n.(type) {
		case *ast.Heading, *ast.Paragraph:
			headline = nodeText(n, source)
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(headline)
}

// IssueTaskItems extracts the issue body's list items, in document order.
// The state machine uses them as declared task names for phases whose specs
// come from the issue itself.
func IssueTaskItems(body string) []string {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	source := []byte(body)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var items []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if _, ok := n.(*ast.ListItem); !ok {
			return ast.WalkContinue, nil
		}
		item := strings.TrimSpace(nodeText(n, source))
		// Strip GitHub-style checkbox markers.
		for _, prefix := range []string{"[ ]", "[x]", "[X]"} {
			item = strings.TrimSpace(strings.TrimPrefix(item, prefix))
		}
		if item != "" {
			items = append(items, item)
		}
		return ast.WalkSkipChildren, nil
	})
	return items
}

// nodeText collects the plain text under an AST node.
func nodeText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		if t, ok := n.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			walk(c)
		}
	}
	walk(n)
	return buf.String()
}
