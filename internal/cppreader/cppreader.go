// Package cppreader normalizes preprocessor output as it streams by: it collapses
// runs of blank lines, and rewrites redundant `#line` directives into the cheaper of
// a bare blank-line run or a synthesized `#line N` directive, while forwarding the
// normalized bytes onward and feeding a running digest.Context. It is the Go-idiomatic
// reshaping of the teacher's char-by-char scanners in
// internal/client/own-includes-parser.go (state machine over '#include' text) and
// internal/client/dep-cmd-flags.go (makefile-oriented bookkeeping), retargeted at
// `#line` directives instead of `#include` statements.
package cppreader

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/kobjcache/kobjcache/internal/digest"
)

// directiveThreshold is the break-even point, in skipped lines, between emitting
// that many bare newlines and synthesizing a `#line N` directive instead. Below the
// threshold the run is always emitted as newlines; at or above it, "#line N\n" is
// emitted unless its text is longer than the newline run it would replace.
// Pinned to 7, matching kObjCache's own optimizer.
const directiveThreshold = 7

// DepSink is the subset of depcollector.Collector that cppreader needs: a hook
// called once per resolved `#line` filename, and a raw byte-stream parser used
// when the reader's own optimizer is disabled.
type DepSink interface {
	EnterFile(name string)
	Consume(p []byte)
}

// Reader incrementally normalizes one preprocessor output stream. It is not
// safe for concurrent use.
type Reader struct {
	optimize bool
	deps     DepSink

	out    bytes.Buffer
	digest *digest.Context

	carry []byte // bytes of a not-yet-terminated line, carried across Drain calls

	currentFile string
	currentLine uint32 // 1-based line number the raw stream has reached
	pendingBlank int   // consecutive blank raw lines not yet flushed to out

	grabbed bool
}

// New builds a Reader. optimize enables the blank-run/#line collapsing described
// above; when false, bytes are forwarded unchanged and deps (if non-nil) parses
// the raw stream itself via Consume instead of receiving EnterFile calls.
func New(optimize bool, deps DepSink) *Reader {
	return &Reader{
		optimize:    optimize,
		deps:        deps,
		digest:      digest.New(),
		currentLine: 1,
	}
}

// Drain reads everything in chunk (one producer read of the child process's
// stdout) and appends the normalized result to the reader's internal buffer.
// forward, if non-nil, also receives the normalized bytes as they're produced —
// the live path to a piped-in compiler's stdin.
func (r *Reader) Drain(chunk []byte, forward func([]byte) error) error {
	if r.grabbed {
		panic("cppreader: Drain called after GrabOutput")
	}

	if !r.optimize {
		if r.deps != nil {
			r.deps.Consume(chunk)
		}
		return r.emit(chunk, forward)
	}

	buf := chunk
	if len(r.carry) > 0 {
		buf = append(r.carry, chunk...)
		r.carry = nil
	}

	for {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			break
		}
		line := buf[:nl]
		buf = buf[nl+1:]
		if err := r.processLine(line, forward); err != nil {
			return err
		}
	}

	// Whatever remains — including a lone trailing '\r', the first half of a CRLF
	// pair split across reads — carries over untouched to the next Drain call.
	if len(buf) > 0 {
		r.carry = append(r.carry[:0], buf...)
	}
	return nil
}

// Finish flushes any partial trailing line (one with no terminating '\n', which
// happens when a compiler's preprocessor output doesn't end cleanly) and any
// still-pending blank-line run. Call it once, after the last Drain.
func (r *Reader) Finish(forward func([]byte) error) error {
	if r.optimize {
		if len(r.carry) > 0 {
			line := r.carry
			r.carry = nil
			if err := r.processLine(line, forward); err != nil {
				return err
			}
		}
		return r.flushBlankRun(forward)
	}
	return nil
}

func (r *Reader) processLine(line []byte, forward func([]byte) error) error {
	trimmed := bytes.TrimRight(line, "\r")

	if isBlank(trimmed) {
		r.pendingBlank++
		r.currentLine++
		return nil
	}

	if n, file, hasFile, ok := parseLineDirective(trimmed); ok {
		return r.applyDirective(n, file, hasFile, forward)
	}

	if err := r.flushBlankRun(forward); err != nil {
		return err
	}
	if err := r.emit(trimmed, forward); err != nil {
		return err
	}
	if err := r.emit([]byte("\n"), forward); err != nil {
		return err
	}
	r.currentLine++
	return nil
}

func (r *Reader) applyDirective(newLine uint32, file string, hasFile bool, forward func([]byte) error) error {
	sameFile := !hasFile || file == r.currentFile

	if sameFile && newLine >= r.currentLine {
		r.pendingBlank += int(newLine - r.currentLine)
		r.currentLine = newLine
		return r.flushBlankRun(forward)
	}

	// Either a rewind (newLine < currentLine) or a genuine file change: the gap can't
	// be represented as a blank-line run against the old anchor, so flush what's
	// pending verbatim, then always emit an explicit directive.
	if err := r.flushBlankRun(forward); err != nil {
		return err
	}

	var directive string
	if hasFile && file != r.currentFile {
		directive = "#line " + strconv.FormatUint(uint64(newLine), 10) + " \"" + file + "\"\n"
		r.currentFile = file
		if r.deps != nil {
			r.deps.EnterFile(file)
		}
	} else {
		directive = "#line " + strconv.FormatUint(uint64(newLine), 10) + "\n"
	}
	r.currentLine = newLine
	return r.emit([]byte(directive), forward)
}

func (r *Reader) flushBlankRun(forward func([]byte) error) error {
	if r.pendingBlank == 0 {
		return nil
	}
	n := r.pendingBlank
	r.pendingBlank = 0

	directive := "#line " + strconv.FormatUint(uint64(r.currentLine), 10) + "\n"
	if n < directiveThreshold || len(directive) > n {
		blanks := bytes.Repeat([]byte("\n"), n)
		return r.emit(blanks, forward)
	}
	return r.emit([]byte(directive), forward)
}

func (r *Reader) emit(p []byte, forward func([]byte) error) error {
	if len(p) == 0 {
		return nil
	}
	r.out.Write(p)
	r.digest.Update(p)
	if forward != nil {
		return forward(p)
	}
	return nil
}

// GrabOutput hands ownership of the accumulated, normalized output to the caller
// and finalizes its digest. The Reader must not be used again afterward.
func (r *Reader) GrabOutput() ([]byte, digest.Digest) {
	r.grabbed = true
	return r.out.Bytes(), r.digest.Finalize()
}

func isBlank(line []byte) bool {
	for _, b := range line {
		if b != ' ' && b != '\t' {
			return false
		}
	}
	return true
}

// parseLineDirective recognizes both "#line N "FILE"" and the short GNU form
// "# N "FILE"", with optional trailing GCC flag digits (1, 2, 3, 4) on the short
// form, which are ignored. Returns ok=false for any non-matching or malformed line.
func parseLineDirective(line []byte) (lineNo uint32, file string, hasFile bool, ok bool) {
	s := string(line)
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
