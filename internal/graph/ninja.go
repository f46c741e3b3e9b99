package graph

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fentz26/ninjateam/internal/models"
)

// maxInclude bounds include nesting.
const maxInclude = 16

type rule struct {
	name     string
	bindings map[string]string
}

type edge struct {
	outputs   []string
	implicitO []string
	rule      string
	explicit  []string
	implicit  []string
	orderOnly []string
	bindings  map[string]string
	line      int
	file      string
}

type manifestParser struct {
	dir      string
	open     func(string) (io.ReadCloser, error)
	vars     map[string]string
	rules    map[string]*rule
	edges    []*edge
	defaults []string
	depth    int
}

// LoadNinja parses the ninja manifest at path and returns its graph,
// restricted to targets when any are given.
func LoadNinja(path string, targets []string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	p := newManifestParser(filepath.Dir(path), func(name string) (io.ReadCloser, error) {
		return os.Open(name)
	})
	return p.build(path, f, targets)
}

// ParseNinja parses a manifest from r. Includes are resolved relative to dir.
func ParseNinja(name string, r io.Reader, dir string) (*Graph, error) {
	p := newManifestParser(dir, func(path string) (io.ReadCloser, error) {
		return os.Open(path)
	})
	return p.build(name, r, nil)
}

func newManifestParser(dir string, open func(string) (io.ReadCloser, error)) *manifestParser {
	return &manifestParser{
		dir:   dir,
		open:  open,
		vars:  make(map[string]string),
		rules: map[string]*rule{"phony": {name: "phony", bindings: map[string]string{}}},
	}
}

func (p *manifestParser) build(name string, r io.Reader, targets []string) (*Graph, error) {
	if err := p.parse(name, r); err != nil {
		return nil, err
	}
	units, err := p.units()
	if err != nil {
		return nil, err
	}
	g, err := New(units)
	if err != nil {
		return nil, err
	}
	g.defaults = p.defaults
	if len(targets) == 0 {
		return g, nil
	}
	return g.Subset(targets)
}

// logicalLines joins `$`-continued lines and drops comments.
func logicalLines(r io.Reader) ([]numberedLine, error) {
	var out []numberedLine
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var pending strings.Builder
	start, n := 0, 0
	for scanner.Scan() {
		n++
		line := strings.TrimRight(scanner.Text(), "\r")
		if pending.Len() > 0 {
			line = strings.TrimLeft(line, " \t")
		} else {
			start = n
			if strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
				continue
			}
		}
		if trailingDollars(line)%2 == 1 {
			pending.WriteString(line[:len(line)-1])
			continue
		}
		pending.WriteString(line)
		out = append(out, numberedLine{text: pending.String(), n: start})
		pending.Reset()
	}
	if pending.Len() > 0 {
		out = append(out, numberedLine{text: pending.String(), n: start})
	}
	return out, scanner.Err()
}

type numberedLine struct {
	text string
	n    int
}

func trailingDollars(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '$'; i-- {
		n++
	}
	return n
}

func (p *manifestParser) parse(name string, r io.Reader) error {
	lines, err := logicalLines(r)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	fail := func(n int, format string, args ...any) error {
		return &ManifestError{File: name, Line: n, Msg: fmt.Sprintf(format, args...)}
	}

	// bindings collects the indented block following a declaration.
	bindings := func(i int) (map[string]string, int, error) {
		b := make(map[string]string)
		for i+1 < len(lines) {
			next := lines[i+1]
			if next.text == "" || (next.text[0] != ' ' && next.text[0] != '\t') {
				break
			}
			trimmed := strings.TrimSpace(next.text)
			i++
			if trimmed == "" {
				continue
			}
			key, value, ok := splitBinding(trimmed)
			if !ok {
				return nil, i, fail(next.n, "expected `name = value`, got %q", trimmed)
			}
			b[key] = value
		}
		return b, i, nil
	}

	for i := 0; i < len(lines); i++ {
		ln := lines[i]
		text := strings.TrimSpace(ln.text)
		if text == "" {
			continue
		}
		keyword, rest, _ := strings.Cut(text, " ")
		rest = strings.TrimSpace(rest)

		switch keyword {
		case "rule":
			if rest == "" {
				return fail(ln.n, "rule without a name")
			}
			b, next, err := bindings(i)
			if err != nil {
				return err
			}
			i = next
			if _, ok := b["command"]; !ok {
				return fail(ln.n, "rule %s has no command", rest)
			}
			p.rules[rest] = &rule{name: rest, bindings: b}

		case "build":
			e, err := p.parseEdge(rest)
			if err != nil {
				return fail(ln.n, "%v", err)
			}
			e.line, e.file = ln.n, name
			b, next, err := bindings(i)
			if err != nil {
				return err
			}
			i = next
			e.bindings = make(map[string]string, len(b))
			for k, v := range b {
				e.bindings[k] = p.expand(v, p.lookupFile)
			}
			p.edges = append(p.edges, e)

		case "pool":
			_, next, err := bindings(i)
			if err != nil {
				return err
			}
			i = next

		case "default":
			for _, tok := range splitPaths(rest) {
				p.defaults = append(p.defaults, p.expand(tok, p.lookupFile))
			}

		case "include", "subninja":
			if err := p.include(p.expand(rest, p.lookupFile)); err != nil {
				return fail(ln.n, "%v", err)
			}

		default:
			key, value, ok := splitBinding(text)
			if !ok {
				return fail(ln.n, "unexpected %q", keyword)
			}
			p.vars[key] = p.expand(value, p.lookupFile)
		}
	}
	return nil
}

func (p *manifestParser) include(path string) error {
	if p.depth >= maxInclude {
		return fmt.Errorf("include nesting exceeds %d", maxInclude)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.dir, path)
	}
	rc, err := p.open(path)
	if err != nil {
		return fmt.Errorf("include %s: %w", path, err)
	}
	defer rc.Close()

	p.depth++
	defer func() { p.depth-- }()
	return p.parse(path, rc)
}

func splitBinding(s string) (string, string, bool) {
	key, value, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t$") {
		return "", "", false
	}
	return key, strings.TrimLeft(value, " \t"), true
}

// parseEdge parses `outs [| implicit outs]: rule ins [| implicit] [|| order-only]`.
func (p *manifestParser) parseEdge(s string) (*edge, error) {
	head, tail, ok := cutUnescaped(s, ':')
	if !ok {
		return nil, fmt.Errorf("build statement without ':'")
	}

	e := &edge{}
	outs, implicitOuts := splitGroup(head, "|")
	for _, tok := range outs {
		e.outputs = append(e.outputs, p.expand(tok, p.lookupFile))
	}
	for _, tok := range implicitOuts {
		e.implicitO = append(e.implicitO, p.expand(tok, p.lookupFile))
	}
	if len(e.outputs) == 0 {
		return nil, fmt.Errorf("build statement without outputs")
	}

	tokens := splitPaths(strings.TrimSpace(tail))
	if len(tokens) == 0 {
		return nil, fmt.Errorf("build statement without a rule")
	}
	e.rule = tokens[0]
	if _, ok := p.rules[e.rule]; !ok {
		return nil, fmt.Errorf("unknown rule %q", e.rule)
	}

	group := &e.explicit
	for _, tok := range tokens[1:] {
		switch tok {
		case "|":
			group = &e.implicit
		case "||":
			group = &e.orderOnly
		case "|@":
			// Validation edges do not gate the build.
			group = new([]string)
		default:
			*group = append(*group, p.expand(tok, p.lookupFile))
		}
	}
	return e, nil
}

// splitGroup splits head on a standalone separator token.
func splitGroup(s, sep string) ([]string, []string) {
	var before, after []string
	target := &before
	for _, tok := range splitPaths(s) {
		if tok == sep {
			target = &after
			continue
		}
		*target = append(*target, tok)
	}
	return before, after
}

// cutUnescaped splits s around the first c not preceded by `$`.
func cutUnescaped(s string, c byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '$' {
			i++
			continue
		}
		if s[i] == c {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// splitPaths splits on unescaped whitespace, keeping escapes for expand.
func splitPaths(s string) []string {
	var out []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '$' && i+1 < len(s) {
			cur.WriteByte(ch)
			cur.WriteByte(s[i+1])
			i++
			continue
		}
		if ch == ' ' || ch == '\t' {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteByte(ch)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func (p *manifestParser) lookupFile(name string) string {
	return p.vars[name]
}

// expand evaluates `$var`, `${var}` and the `$$`, `$ `, `$:` escapes.
func (p *manifestParser) expand(s string, lookup func(string) string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch c := s[i]; {
		case c == '$' || c == ' ' || c == ':':
			b.WriteByte(c)
		case c == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				b.WriteString(s[i-1:])
				return b.String()
			}
			b.WriteString(lookup(s[i+1 : i+end]))
			i += end
		case isVarChar(c):
			j := i
			for j < len(s) && isVarChar(s[j]) {
				j++
			}
			b.WriteString(lookup(s[i:j]))
			i = j - 1
		default:
			b.WriteByte('$')
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isVarChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

// command evaluates the edge's rule command in edge scope.
func (p *manifestParser) command(e *edge) string {
	return p.evaluate(e, "command")
}

// evaluate expands binding key in edge scope: edge bindings, then rule
// bindings, then file variables.
func (p *manifestParser) evaluate(e *edge, key string) string {
	r := p.rules[e.rule]
	depth := 0
	var lookup func(string) string
	lookup = func(name string) string {
		switch name {
		case "in":
			return strings.Join(e.explicit, " ")
		case "in_newline":
			return strings.Join(e.explicit, "\n")
		case "out":
			return strings.Join(e.outputs, " ")
		}
		if v, ok := e.bindings[name]; ok {
			return v
		}
		if v, ok := r.bindings[name]; ok {
			// Rule bindings may refer to each other; bound the recursion.
			if depth > 32 {
				return ""
			}
			depth++
			defer func() { depth-- }()
			return p.expand(v, lookup)
		}
		return p.vars[name]
	}
	return lookup(key)
}

func (p *manifestParser) units() ([]models.BuildUnit, error) {
	producer := make(map[string]string)
	for _, e := range p.edges {
		for _, out := range append(append([]string(nil), e.outputs...), e.implicitO...) {
			if prev, dup := producer[out]; dup {
				return nil, &ManifestError{File: e.file, Line: e.line, Msg: fmt.Sprintf("multiple rules generate %s (also %s)", out, prev)}
			}
			producer[out] = e.outputs[0]
		}
	}

	units := make([]models.BuildUnit, 0, len(p.edges))
	for _, e := range p.edges {
		u := models.BuildUnit{
			ID:      e.outputs[0],
			Outputs: append(append([]string(nil), e.outputs...), e.implicitO...),
		}
		if e.rule != "phony" {
			u.CommandSpec = p.command(e)
			u.Inputs = append(append([]string(nil), e.explicit...), e.implicit...)
			u.Depfile = p.evaluate(e, "depfile")
			u.Deps = p.evaluate(e, "deps")
		}

		seen := make(map[string]bool)
		for _, in := range append(append(append([]string(nil), e.explicit...), e.implicit...), e.orderOnly...) {
			dep, ok := producer[in]
			if !ok || dep == u.ID || seen[dep] {
				continue
			}
			seen[dep] = true
			u.DependsOn = append(u.DependsOn, dep)
		}
		if reqs, ok := e.bindings["requires"]; ok {
			u.Requires = strings.FieldsFunc(reqs, func(r rune) bool { return r == ',' || r == ' ' })
		}
		units = append(units, u)
	}
	return units, nil
}
