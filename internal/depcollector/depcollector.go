// Package depcollector extracts the set of dependency file names referenced by
// `#line` directives in a preprocessor output stream and writes them out in
// makefile format. It is modeled on the teacher's internal/client/dep-files.go
// depfile reader/writer, but driven incrementally off the same byte stream the
// cppreader.Reader consumes, per a small state machine (spec component DepCollector).
package depcollector

import (
	"fmt"
	"strings"
)

type parseState int

const (
	stateStart parseState = iota
	stateNeedHash
	stateNeedLine
	stateNeedSpaceBeforeDigit
	stateNeedFirstDigit
	stateNeedMoreDigits
	stateNeedQuote
	stateInsideQuote
)

// Collector accumulates dependency file names in order of first appearance,
// de-duplicating against only the immediately preceding entry during ingest;
// full set-uniquification happens once, at WriteDepFile time.
type Collector struct {
	names []string

	state        parseState
	matchedWord  string // "line" being matched char-by-char
	filenameBuf  strings.Builder
	sawBackslash bool
	quiet        bool
}

// NewCollector creates an empty dependency collector.
func NewCollector(quiet bool) *Collector {
	return &Collector{state: stateStart, quiet: quiet}
}

// EnterFile records fileName directly — the fast path used by cppreader.Reader
// when it has already parsed a `#line` directive itself and knows the resolved,
// unescaped file name.
func (c *Collector) EnterFile(fileName string) {
	c.insert(fileName)
}

func (c *Collector) insert(fileName string) {
	if len(c.names) > 0 && c.names[len(c.names)-1] == fileName {
		return // ingest-time dedup only looks at the immediately preceding entry
	}
	c.names = append(c.names, fileName)
}

// Consume feeds raw preprocessor-output bytes into the directive-recognizing state
// machine. It may be called repeatedly with arbitrary chunk boundaries — state
// carries across calls byte-by-byte, so a `#line` directive split across two
// Consume calls is still recognized correctly.
func (c *Collector) Consume(p []byte) {
	for _, b := range p {
		c.step(b)
	}
}

func (c *Collector) step(b byte) {
	switch c.state {
	case stateStart:
		if b == '#' {
			c.state = stateNeedLine
			c.matchedWord = ""
		}
		// anything else: stay at Start until the next '#' at (what we assume is) line start;
		// malformed/interleaved input simply never matches and is silently ignored.

	case stateNeedLine:
		switch {
		case b == ' ' || b == '\t':
			// tolerate whitespace between '#' and 'line'
		case b >= '0' && b <= '9':
			// short form: "# N "FILE""
			c.state = stateNeedMoreDigits
		case isLineLetter(b, len(c.matchedWord)):
			c.matchedWord += string(b)
			if c.matchedWord == "line" {
				c.state = stateNeedSpaceBeforeDigit
			}
		default:
			c.state = stateStart
		}

	case stateNeedSpaceBeforeDigit:
		if b == ' ' || b == '\t' {
			c.state = stateNeedFirstDigit
		} else {
			c.state = stateStart
		}

	case stateNeedFirstDigit, stateNeedMoreDigits:
		switch {
		case b >= '0' && b <= '9':
			c.state = stateNeedMoreDigits
		case b == ' ' || b == '\t':
			c.state = stateNeedQuote
		case b == '\n':
			c.state = stateStart // a `#line N` with no filename: nothing to record
		default:
			c.state = stateStart
		}

	case stateNeedQuote:
		switch {
		case b == ' ' || b == '\t':
			// keep waiting
		case b == '"':
			c.state = stateInsideQuote
			c.filenameBuf.Reset()
			c.sawBackslash = false
		case b == '\n':
			c.state = stateStart
		default:
			c.state = stateStart // no quoted filename on this directive
		}

	case stateInsideQuote:
		switch {
		case c.sawBackslash:
			c.filenameBuf.WriteByte(unescapeByte(b))
			c.sawBackslash = false
		case b == '\\':
			c.sawBackslash = true
		case b == '"':
			c.insert(c.filenameBuf.String())
			c.state = stateStart
		case b == '\n':
			c.state = stateStart // malformed, preprocessor output is trusted not to do this
		default:
			c.filenameBuf.WriteByte(b)
		}
	}
}

// isLineLetter reports whether b is the expected next letter of "line" at position pos.
func isLineLetter(b byte, pos int) bool {
	const word = "line"
	return pos < len(word) && b == word[pos]
}

// unescapeByte resolves `\x` inside a quoted filename to the literal x; unescaping of
// multi-character escapes is deliberately not attempted, matching preprocessor output
// which only ever backslash-escapes `"` and `\` itself inside `#line` filenames.
func unescapeByte(b byte) byte { return b }

// Names returns the de-duplicated dependency list in order of first appearance.
func (c *Collector) Names() []string {
	seen := make(map[string]bool, len(c.names))
	out := make([]string, 0, len(c.names))
	for _, n := range c.names {
		n = strings.ReplaceAll(n, "\\", "/")
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// WriteDepFile renders a makefile-format depfile: one line "objPath: dep1 dep2 ...",
// and, when genStubs is set, one empty stub rule "dep:" per dependency (the classic
// "missing header forces a rebuild" idiom).
func (c *Collector) WriteDepFile(objPath string, genStubs bool) string {
	names := c.Names()

	var b strings.Builder
	b.Grow(len(objPath) + 2 + 32*len(names))

	fmt.Fprintf(&b, "%s:", objPath)
	for _, n := range names {
		b.WriteByte(' ')
		b.WriteString(n)
	}
	b.WriteByte('\n')

	if genStubs {
		for _, n := range names {
			fmt.Fprintf(&b, "%s:\n", n)
		}
	}

	return b.String()
}
