package cache

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadDepfile parses the Makefile-style dependency file at path.
func ReadDepfile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open depfile: %w", err)
	}
	defer f.Close()
	return ParseDepfile(f)
}

// ParseDepfile returns the prerequisites listed in a depfile as written by
// gcc -MD or clang -MD. Targets are dropped and duplicates removed; order
// follows first appearance.
func ParseDepfile(r io.Reader) ([]string, error) {
	var text strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasSuffix(line, "\\") && !strings.HasSuffix(line, "\\\\") {
			text.WriteString(line[:len(line)-1])
			text.WriteByte(' ')
			continue
		}
		text.WriteString(line)
		text.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read depfile: %w", err)
	}

	var deps []string
	seen := make(map[string]bool)
	for _, rule := range strings.Split(text.String(), "\n") {
		tokens := depTokens(rule)
		colon := -1
		for i, tok := range tokens {
			if strings.HasSuffix(tok, ":") {
				colon = i
				break
			}
		}
		if colon < 0 {
			if len(tokens) > 0 {
				return nil, fmt.Errorf("depfile rule without ':': %q", strings.TrimSpace(rule))
			}
			continue
		}
		for _, dep := range tokens[colon+1:] {
			if dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

// depTokens splits on unescaped whitespace and resolves `\ `, `\#`, `$$`.
// A target followed by ":" with no space is split into its own token.
func depTokens(s string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && (s[i+1] == ' ' || s[i+1] == '#' || s[i+1] == '\\'):
			cur.WriteByte(s[i+1])
			i++
		case c == '$' && i+1 < len(s) && s[i+1] == '$':
			cur.WriteByte('$')
			i++
		case c == ' ' || c == '\t':
			flush()
		case c == ':' && (i+1 == len(s) || s[i+1] == ' ' || s[i+1] == '\t'):
			cur.WriteByte(':')
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
