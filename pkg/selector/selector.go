// Package selector resolves region and regex selectors against file bytes
// into ordered, non-overlapping byte spans (spec.md §4.1). It is a pure
// function package: given the same bytes and selector it always returns the
// same spans, and it never mutates its input.
package selector

import (
	"regexp"

	"github.com/cagehq/cage/pkg/cageerr"
)

// Span is a byte range [Start, End) into the document. Start == End denotes
// a zero-width insertion point.
type Span struct {
	Start int
	End   int
}

// Selector is a tagged union of the two selection modes named in spec.md
// §3: Region{...} or Regex{...}. A nil Selector means "the entire file",
// used by GET and by whole-file DELETE/UPDATE.
type Selector interface {
	isSelector()
}

// Region selects lines [Start, End] (1-based, inclusive). End == -1 means
// "through the last line".
type Region struct {
	Start int
	End   int
}

func (Region) isSelector() {}

// Regex selects every non-overlapping match of Pattern (compiled with the
// given Flags, e.g. "i" for case-insensitive) in document order.
type Regex struct {
	Pattern string
	Flags   string
}

func (Regex) isSelector() {}

type lineSpan struct {
	start, end int // end is exclusive, includes the line's trailing '\n' if present
}

// splitLines splits data into line spans the way spec.md's CRLF
// recommendation calls for: lines are split on '\n' only, and any trailing
// '\r' is retained as content of that line. A file with a trailing '\n' has
// no extra empty line after it; a file without one has its final partial
// segment counted as a line.
func splitLines(data []byte) []lineSpan {
	if len(data) == 0 {
		return nil
	}
	var lines []lineSpan
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			lines = append(lines, lineSpan{start, i + 1})
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, lineSpan{start, len(data)})
	}
	return lines
}

// Resolve resolves sel against data. forInsert must be true when the caller
// is about to perform an INSERT: it relaxes the region's valid start range
// to include line_count+1 (EOF) and rejects regex selectors outright, per
// spec.md §4.1/§4.3.
func Resolve(data []byte, sel Selector, forInsert bool) ([]Span, error) {
	switch s := sel.(type) {
	case nil:
		return []Span{{0, len(data)}}, nil
	case Region:
		return resolveRegion(data, s, forInsert)
	case Regex:
		if forInsert {
			return nil, cageerr.New(cageerr.SelectorInvalid, "INSERT does not support regex selectors")
		}
		return resolveRegex(data, s)
	default:
		return nil, cageerr.New(cageerr.SelectorInvalid, "unknown selector type")
	}
}

func resolveRegion(data []byte, r Region, forInsert bool) ([]Span, error) {
	lines := splitLines(data)
	lineCount := len(lines)
	effectiveMax := lineCount
	if effectiveMax < 1 {
		effectiveMax = 1
	}

	if lineCount == 0 {
		// Empty file: only start=1 is valid. End is irrelevant for INSERT;
		// for GET/UPDATE/DELETE it must be -1 or 1 (the single, empty line).
		if r.Start != 1 {
			return nil, cageerr.New(cageerr.SelectorInvalid, "region out of range for empty file")
		}
		if !forInsert && r.End != -1 && r.End != 1 {
			return nil, cageerr.New(cageerr.SelectorInvalid, "region out of range for empty file")
		}
		return []Span{{0, 0}}, nil
	}

	maxStart := effectiveMax
	if forInsert {
		maxStart = lineCount + 1
	}
	if r.Start < 1 || r.Start > maxStart {
		return nil, cageerr.New(cageerr.SelectorInvalid, "region start out of range")
	}

	if forInsert {
		offset := len(data)
		if r.Start <= lineCount {
			offset = lines[r.Start-1].start
		}
		return []Span{{offset, offset}}, nil
	}

	end := r.End
	if end == -1 {
		end = lineCount
	}
	if end < r.Start || end > lineCount {
		return nil, cageerr.New(cageerr.SelectorInvalid, "region end out of range")
	}

	startOffset := lines[r.Start-1].start
	endOffset := lines[end-1].end
	return []Span{{startOffset, endOffset}}, nil
}

func resolveRegex(data []byte, r Regex) ([]Span, error) {
	re, err := compile(r.Pattern, r.Flags)
	if err != nil {
		return nil, cageerr.New(cageerr.SelectorInvalid, "invalid regex: "+err.Error())
	}

	locs := re.FindAllIndex(data, -1)
	if len(locs) == 0 {
		return nil, cageerr.New(cageerr.SelectorNotFound, "no matches for pattern")
	}

	spans := make([]Span, len(locs))
	for i, loc := range locs {
		spans[i] = Span{loc[0], loc[1]}
	}
	return spans, nil
}

// compile translates spec-level flags ("i", "m", "s", any combination) into
// Go regexp inline flag syntax.
func compile(pattern, flags string) (*regexp.Regexp, error) {
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	return regexp.Compile(pattern)
}

// ReplaceAll applies repl (with Go's $1-style or spec's \1-style capture
// references, see backslashToDollar) to every match of r in data, returning the
// substituted bytes. Only used by regex UPDATE.
func ReplaceAll(data []byte, r Regex, repl string) ([]byte, error) {
	re, err := compile(r.Pattern, r.Flags)
	if err != nil {
		return nil, cageerr.New(cageerr.SelectorInvalid, "invalid regex: "+err.Error())
	}
	goRepl := backslashToDollar(repl)
	return re.ReplaceAll(data, []byte(goRepl)), nil
}

// backslashToDollar converts \1..\9 capture references (the convention this
// implementation pins for spec.md's open question on replacement syntax)
// into Go's $1..$9 syntax understood by regexp.ReplaceAll. A literal
// backslash is written as \\.
func backslashToDollar(repl string) string {
	out := make([]byte, 0, len(repl))
	for i := 0; i < len(repl); i++ {
		if repl[i] == '\\' && i+1 < len(repl) {
			next := repl[i+1]
			switch {
			case next >= '0' && next <= '9':
				out = append(out, '$', next)
				i++
				continue
			case next == '\\':
				out = append(out, '\\')
				i++
				continue
			}
		}
		out = append(out, repl[i])
	}
	return string(out)
}
