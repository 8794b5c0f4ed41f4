package artifact

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/wronai/pactown/internal/domain"
)

// annotationPrefix marks a fenced code block as a pactown declaration.
// The declaration kind follows the prefix in the fence info string,
// after the language tag:
//
//	```python pactown:deps
//	```python pactown:file path=main.py
//	```bash pactown:run
//	```text pactown:test
const annotationPrefix = "pactown:"

// Parser extracts service artifacts from annotated Markdown documents.
// It implements ports.ArtifactParser.
type Parser struct {
	md goldmark.Markdown
}

// NewParser creates a Markdown artifact parser.
func NewParser() *Parser {
	return &Parser{md: goldmark.New()}
}

// Parse walks the Markdown AST and collects the document title, declared
// files, dependencies, run command, and HTTP checks. Unannotated code
// blocks and all prose are ignored; an annotated block with an unknown
// kind is an error.
func (p *Parser) Parse(data []byte) (*domain.Artifact, error) {
	doc := p.md.Parser().Parse(text.NewReader(data))

	art := &domain.Artifact{}
	err := ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := node.(type) {
		case *ast.Heading:
			if art.Title == "" && n.Level == 1 {
				art.Title = strings.TrimSpace(nodeText(n, data))
			}
		case *ast.FencedCodeBlock:
			if err := collectBlock(art, n, data); err != nil {
				return ast.WalkStop, err
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// collectBlock folds one annotated fenced code block into the artifact.
func collectBlock(art *domain.Artifact, block *ast.FencedCodeBlock, source []byte) error {
	kind, attrs := blockAnnotation(block, source)
	if kind == "" {
		return nil
	}

	body := blockBody(block, source)

	switch kind {
	case "file":
		path := attrs["path"]
		if path == "" {
			return fmt.Errorf("pactown:file block has no path attribute")
		}
		art.Files = append(art.Files, domain.ArtifactFile{Path: path, Content: body})
	case "deps":
		for _, line := range strings.Split(string(body), "\n") {
			if dep := strings.TrimSpace(line); dep != "" {
				art.Deps = append(art.Deps, dep)
			}
		}
	case "run":
		// The first run block wins; later ones are ignored.
		if art.Run == "" {
			art.Run = strings.TrimSpace(string(body))
		}
	case "test":
		tests, err := parseTests(string(body))
		if err != nil {
			return err
		}
		art.Tests = append(art.Tests, tests...)
	default:
		return fmt.Errorf("unknown block annotation %q", annotationPrefix+kind)
	}
	return nil
}

// blockAnnotation parses the fence info string of a code block. Returns
// the declaration kind and its key=value attributes, or an empty kind
// for plain code blocks. Fields before the annotation (the language
// tag) are skipped; fields after it are attributes.
func blockAnnotation(block *ast.FencedCodeBlock, source []byte) (string, map[string]string) {
	if block.Info == nil {
		return "", nil
	}
	info := string(block.Info.Segment.Value(source))

	kind := ""
	attrs := make(map[string]string)
	for _, field := range strings.Fields(info) {
		if kind == "" {
			if strings.HasPrefix(field, annotationPrefix) {
				kind = strings.TrimPrefix(field, annotationPrefix)
			}
			continue
		}
		if key, value, ok := strings.Cut(field, "="); ok {
			attrs[key] = value
		}
	}
	return kind, attrs
}

// blockBody returns the raw content between the fences, byte-exact.
func blockBody(block *ast.FencedCodeBlock, source []byte) []byte {
	var body bytes.Buffer
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		body.Write(segment.Value(source))
	}
	return body.Bytes()
}

// parseTests reads one HTTP check per line:
//
//	METHOD PATH [STATUS] [BODY]
//
// STATUS defaults to 200. Everything after the status is the request
// body. Blank lines and lines starting with # are skipped.
func parseTests(body string) ([]domain.ArtifactTest, error) {
	var tests []domain.ArtifactTest
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			return nil, fmt.Errorf("malformed test line %q: want METHOD PATH [STATUS] [BODY]", line)
		}

		test := domain.ArtifactTest{
			Method:       strings.ToUpper(parts[0]),
			Path:         parts[1],
			ExpectStatus: 200,
		}
		rest := parts[2:]
		if len(rest) > 0 {
			if status, err := strconv.Atoi(rest[0]); err == nil {
				test.ExpectStatus = status
				rest = rest[1:]
			}
		}
		if len(rest) > 0 {
			test.Body = strings.Join(rest, " ")
		}
		tests = append(tests, test)
	}
	return tests, nil
}

// nodeText concatenates the text segments of a node's inline children.
func nodeText(node ast.Node, source []byte) string {
	var out strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Text:
			out.Write(n.Segment.Value(source))
		case *ast.String:
			out.Write(n.Value)
		default:
			out.WriteString(nodeText(n, source))
		}
	}
	return out.String()
}
