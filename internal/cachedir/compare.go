package cachedir

import (
	"bytes"
	"strconv"
	"strings"
)

// CompareOutputs reports whether a and b are "the same" preprocessor output for
// caching purposes even if not byte-identical: a lockstep line-by-line compare
// that tolerates differing runs of blank lines, `#line` directives, and lines
// that (after trimming trailing whitespace) consist solely of one or more `}`
// characters — compilers are free to move these around without changing the
// generated object file. Two matched non-skippable lines must agree on both
// their bytes and the file/line position the skipped `#line` directives put
// them at; and at EOF the two sides must have skipped the same number of
// closing-curly-only lines, not just an equal *count* of real differences.
// Any other difference is a genuine mismatch.
//
// The closing-curly-brace rule is deliberately narrow: a line ending in `}`
// after other tokens (e.g. `  return 0; }`) is compared normally and does not
// count as ignorable, matching kObjCache's own comparator.
func CompareOutputs(a, b []byte) bool {
	sa := newCompareSide(a)
	sb := newCompareSide(b)

	for {
		sa.skipIgnorable()
		sb.skipIgnorable()

		if sa.atEnd() || sb.atEnd() {
			break
		}

		if !bytes.Equal(sa.line(), sb.line()) {
			return false
		}
		// Only hold the two sides to file/line agreement once both have
		// actually passed a #line directive — a plain run of blank lines
		// carries no claim about absolute position, so nothing to check it
		// against.
		if sa.sawDirective && sb.sawDirective && (sa.file != sb.file || sa.lineNo != sb.lineNo) {
			return false
		}
		sa.advance()
		sb.advance()
	}

	if !sa.atEnd() || !sb.atEnd() {
		return false
	}
	return sa.curlyCount == sb.curlyCount
}

// compareSide tracks one buffer's cursor through CompareOutputs: which line
// it's on, the file/line position implied by the last `#line` directive it
// skipped, and how many closing-curly-only lines it has skipped so far.
type compareSide struct {
	lines [][]byte
	idx   int

	sawDirective bool
	file         string
	lineNo       uint32
	curlyCount   int
}

func newCompareSide(buf []byte) *compareSide {
	return &compareSide{lines: splitLines(buf), lineNo: 1}
}

func (s *compareSide) atEnd() bool   { return s.idx >= len(s.lines) }
func (s *compareSide) line() []byte  { return s.lines[s.idx] }
func (s *compareSide) advance() {
	s.idx++
	s.lineNo++
}

// skipIgnorable advances past blank lines, `#line` directives (updating file
// and lineNo to match), and closing-curly-only lines, stopping as soon as it
// reaches a real line or runs out of input.
func (s *compareSide) skipIgnorable() {
	for s.idx < len(s.lines) {
		trimmed := bytes.TrimRight(s.lines[s.idx], " \t\r")

		if len(trimmed) == 0 {
			s.idx++
			s.lineNo++
			continue
		}
		if isClosingCurlyOnly(trimmed) {
			s.curlyCount++
			s.idx++
			s.lineNo++
			continue
		}
		if n, file, hasFile, ok := parseLineDirectiveBytes(trimmed); ok {
			if hasFile {
				s.file = file
			}
			s.lineNo = n
			s.sawDirective = true
			s.idx++
			continue
		}
		return
	}
}

func splitLines(buf []byte) [][]byte {
	var lines [][]byte
	for len(buf) > 0 {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			lines = append(lines, buf)
			break
		}
		lines = append(lines, buf[:nl])
		buf = buf[nl+1:]
	}
	return lines
}

func isClosingCurlyOnly(trimmed []byte) bool {
	for _, b := range trimmed {
		if b != '}' {
			return false
		}
	}
	return len(trimmed) > 0
}

// parseLineDirectiveBytes recognizes both "#line N "FILE"" and the short GNU
// form "# N "FILE"", with optional trailing GCC flag digits ignored. Returns
// ok=false for any non-matching or malformed line.
func parseLineDirectiveBytes(trimmed []byte) (lineNo uint32, file string, hasFile bool, ok bool) {
	s := string(trimmed)
	if !strings.HasPrefix(s, "#") {
		return 0, "", false, false
	}
	s = strings.TrimPrefix(s, "#")
	s = strings.TrimLeft(s, " \t")
	s = strings.TrimPrefix(s, "line")
	s = strings.TrimLeft(s, " \t")

	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, "", false, false
	}
	n, err := strconv.ParseUint(s[:end], 10, 32)
	if err != nil {
		return 0, "", false, false
	}
	rest := strings.TrimLeft(s[end:], " \t")

	if !strings.HasPrefix(rest, "\"") {
		return uint32(n), "", false, true
	}
	rest = rest[1:]
	closeIdx := strings.IndexByte(rest, '"')
	if closeIdx < 0 {
		return 0, "", false, false
	}
	return uint32(n), rest[:closeIdx], true, true
}
