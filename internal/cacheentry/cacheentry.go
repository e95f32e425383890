// Package cacheentry implements the on-disk record kobjcache keeps for one
// translation unit: the compiler invocation that produced it, the digest chain
// of preprocessor outputs known to produce an equivalent object file, and the
// paths to the cached object and (optionally) preprocessed-output files. The
// text format — "key=value" lines terminated by "the-end=fine" — mirrors the
// teacher's internal/client/dep-files.go line-oriented parsing style, generalized
// from a single target/prerequisite list to a richer key/value record, and the
// "cc-argv-#N=" / repeated bare "cpp-sum=" key names are pinned to the original
// C kObjCache's CacheEntry::saveToFile so an entry this package writes stays
// byte-for-byte readable by that parser.
package cacheentry

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kobjcache/kobjcache/internal/digest"
)

// MagicCurrent is written by every new entry. MagicLegacy is accepted when
// reading an entry written by an older kobjcache (same field set, no format
// changes yet, but the version marker lets a future format bump fail loudly
// instead of silently misreading old entries).
const (
	MagicCurrent = "kObjCacheEntry-v0.1.1"
	MagicLegacy  = "kObjCacheEntry-v0.1.0"
)

// Entry is one cache record: everything needed to decide whether a new
// compilation matches a previous one, and where its cached artifacts live.
type Entry struct {
	Target string // opaque target tag (OS/arch string, the CLI's "-t")
	Key    uint32 // stable id cross-referenced by the CacheDir index's key-#i
	Obj    string // path to the cached object file, relative to the entry's directory
	Cpp    string // path to the cached preprocessed output, or "" if not retained

	CppSize int64 // byte length of the preprocessed output
	CppMS   int64 // milliseconds the preprocess step took
	CcMS    int64 // milliseconds the compile step took

	CppSum digest.Chain // digests of preprocessor outputs known to be equivalent

	CcArgv    []string      // compiler argv used, verbatim
	CcArgvSum digest.Digest // ArgvSignature of CcArgv (obj/cpp output paths scrubbed), for quick rejection of a mismatched invocation
}

// ErrCorrupt is returned by Read when the record doesn't parse as a complete,
// well-formed entry — missing magic, a missing terminator, an unparseable
// field, an unknown key, a duplicated key, or an out-of-order cc-argv index.
// The caller's response (per SPEC_FULL.md) is to treat it as a cache miss and
// overwrite the entry, never to propagate the error up as a build failure.
type ErrCorrupt struct {
	Reason string
}

func (e *ErrCorrupt) Error() string { return "cacheentry: corrupt entry: " + e.Reason }

// Write serializes e in the current format.
func Write(w io.Writer, e *Entry) error {
	bw := bufio.NewWriter(w)

	writeLine(bw, "magic", MagicCurrent)
	writeLine(bw, "target", e.Target)
	writeLine(bw, "key", strconv.FormatUint(uint64(e.Key), 10))
	writeLine(bw, "obj", e.Obj)
	writeLine(bw, "cpp", e.Cpp)
	writeLine(bw, "cpp-size", strconv.FormatInt(e.CppSize, 10))
	writeLine(bw, "cpp-ms", strconv.FormatInt(e.CppMS, 10))
	writeLine(bw, "cc-ms", strconv.FormatInt(e.CcMS, 10))

	// One bare "cpp-sum=" line per chain digest — un-indexed and repeatable,
	// matching the original's CacheEntry::saveToFile.
	for _, d := range e.CppSum.All() {
		writeLine(bw, "cpp-sum", d.Format())
	}

	writeLine(bw, "cc-argc", strconv.Itoa(len(e.CcArgv)))
	for i, a := range e.CcArgv {
		writeLine(bw, fmt.Sprintf("cc-argv-#%d", i), a)
	}
	writeLine(bw, "cc-argv-sum", e.CcArgvSum.Format())

	writeLine(bw, "the-end", "fine")
	return bw.Flush()
}

func writeLine(w *bufio.Writer, key, value string) {
	fmt.Fprintf(w, "%s=%s\n", key, value)
}

// knownScalarKeys are the single-valued, non-repeating keys Read accepts.
// Anything else — other than the repeated "cpp-sum=" and indexed
// "cc-argv-#N=" families handled separately — marks the entry corrupt.
var knownScalarKeys = map[string]bool{
	"magic":       true,
	"target":      true,
	"key":         true,
	"obj":         true,
	"cpp":         true,
	"cpp-size":    true,
	"cpp-ms":      true,
	"cc-ms":       true,
	"cc-argc":     true,
	"cc-argv-sum": true,
}

// Read parses an entry, accepting both MagicCurrent and MagicLegacy. Any
// structural problem is reported as *ErrCorrupt.
func Read(r io.Reader) (*Entry, error) {
	fields := map[string]string{}
	seen := map[string]bool{}
	var sums []string
	var argv []string
	nextArgvIdx := 0
	sawEnd := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &ErrCorrupt{Reason: fmt.Sprintf("malformed line %q", line)}
		}

		switch {
		case key == "the-end":
			if sawEnd {
				return nil, &ErrCorrupt{Reason: "duplicate the-end"}
			}
			if value != "fine" {
				return nil, &ErrCorrupt{Reason: "bad terminator value"}
			}
			sawEnd = true
		case key == "cpp-sum":
			sums = append(sums, value)
		case strings.HasPrefix(key, "cc-argv-#"):
			idx, err := strconv.Atoi(strings.TrimPrefix(key, "cc-argv-#"))
			if err != nil {
				return nil, &ErrCorrupt{Reason: "bad cc-argv index: " + key}
			}
			if idx != nextArgvIdx {
				return nil, &ErrCorrupt{Reason: fmt.Sprintf("out-of-order cc-argv-#%d", idx)}
			}
			argv = append(argv, value)
			nextArgvIdx++
		case knownScalarKeys[key]:
			if seen[key] {
				return nil, &ErrCorrupt{Reason: "duplicate key " + key}
			}
			seen[key] = true
			fields[key] = value
		default:
			return nil, &ErrCorrupt{Reason: "unknown key " + key}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawEnd {
		return nil, &ErrCorrupt{Reason: "missing the-end=fine terminator"}
	}

	magic := fields["magic"]
	if magic != MagicCurrent && magic != MagicLegacy {
		return nil, &ErrCorrupt{Reason: "unrecognized magic: " + magic}
	}

	key64, err := strconv.ParseUint(fields["key"], 10, 32)
	if err != nil {
		return nil, &ErrCorrupt{Reason: "bad key: " + err.Error()}
	}

	e := &Entry{
		Target: fields["target"],
		Key:    uint32(key64),
		Obj:    fields["obj"],
		Cpp:    fields["cpp"],
	}

	if e.CppSize, err = parseInt64(fields["cpp-size"]); err != nil {
		return nil, &ErrCorrupt{Reason: "bad cpp-size: " + err.Error()}
	}
	if e.CppMS, err = parseInt64(fields["cpp-ms"]); err != nil {
		return nil, &ErrCorrupt{Reason: "bad cpp-ms: " + err.Error()}
	}
	if e.CcMS, err = parseInt64(fields["cc-ms"]); err != nil {
		return nil, &ErrCorrupt{Reason: "bad cc-ms: " + err.Error()}
	}

	argc, err := parseInt64(fields["cc-argc"])
	if err != nil {
		return nil, &ErrCorrupt{Reason: "bad cc-argc: " + err.Error()}
	}
	if int64(len(argv)) != argc {
		return nil, &ErrCorrupt{Reason: fmt.Sprintf("cc-argc=%d but saw %d cc-argv-#N lines", argc, len(argv))}
	}
	e.CcArgv = argv

	sum, ok := digest.Parse(fields["cc-argv-sum"])
	if !ok {
		return nil, &ErrCorrupt{Reason: "bad cc-argv-sum"}
	}
	e.CcArgvSum = sum

	if len(sums) == 0 {
		return nil, &ErrCorrupt{Reason: "entry has no cpp-sum entries"}
	}
	first, ok := digest.Parse(sums[0])
	if !ok {
		return nil, &ErrCorrupt{Reason: "bad cpp-sum"}
	}
	chain := digest.NewChain(first)
	for _, s := range sums[1:] {
		d, ok := digest.Parse(s)
		if !ok {
			return nil, &ErrCorrupt{Reason: "bad cpp-sum"}
		}
		chain.Append(d)
	}
	e.CppSum = chain

	return e, nil
}

func parseInt64(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing value")
	}
	return strconv.ParseInt(s, 10, 64)
}

// ArgvSignature computes the digest used to match a new compiler invocation
// against entries sharing the same sibling CacheDir: the argv with objPath and
// cppPath scrubbed out, so two invocations that differ only in where they write
// their output (a very common case for sibling translation units built from a
// shared template or harness) are still recognized as the same invocation.
func ArgvSignature(argv []string, objPath, cppPath string) digest.Digest {
	ctx := digest.New()
	for _, a := range argv {
		if (objPath != "" && strings.HasSuffix(a, objPath)) || (cppPath != "" && strings.HasSuffix(a, cppPath)) {
			ctx.Update([]byte{0})
			continue
		}
		ctx.Update([]byte(a))
		ctx.Update([]byte{0})
	}
	return ctx.Finalize()
}
