// Package orchestrator is the per-invocation driver that ties the rest of the
// cache together: it loads a CacheEntry, decides whether a recompile is needed,
// runs the preprocessor (and, when needed, the compiler) through childproc and
// cppreader, consults the CacheDir for a sibling match on a miss, and rewrites
// the entry and index under lock. It is the Go-idiomatic reshaping of the
// teacher's internal/server/session.go (per-request state machine) and
// internal/server/cxx-launcher.go (the compiler-launch + result bookkeeping),
// generalized from "one gRPC request" to "one translation unit".
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kobjcache/kobjcache/internal/cacheentry"
	"github.com/kobjcache/kobjcache/internal/cachedir"
	"github.com/kobjcache/kobjcache/internal/childproc"
	"github.com/kobjcache/kobjcache/internal/common"
	"github.com/kobjcache/kobjcache/internal/cppreader"
	"github.com/kobjcache/kobjcache/internal/depcollector"
	"github.com/kobjcache/kobjcache/internal/digest"
)

// Invocation is the fully-parsed, validated set of parameters for one
// kobjcache run — the Go analogue of the teacher's client Invocation struct,
// minus everything that belongs to a network round trip.
type Invocation struct {
	EntryPath     string // CacheEntry file path ("-f")
	CacheDirPath  string // CacheDir root directory ("-d"), ignored if CacheFilePath is set
	CacheFilePath string // CacheDir index file path ("-c", or derived from "-d"/"-n"), takes precedence over CacheDirPath
	Target        string // target tag ("-t")
	PreprocessArgv []string
	CompileArgv    []string
	ObjPath      string // object output path (also appears as an argv element, scrubbed from the signature)
	CppPath      string // preprocessed-output path, likewise scrubbed
	DepFilePath  string // "" disables depfile generation
	DepFileStubs bool
	DepFileQuiet bool // suppress dependency-collector warnings ("--make-dep-quiet")
	Piped        bool // preprocessor and compiler connected by a pipe (tee mode)
	NamedPipeCompile string // "" for an anonymous pipe; otherwise feed the compiler via this named pipe path ("--named-pipe-compile")
	Optimize1    bool // -O1: enable cppreader normalization
	Optimize2    bool // -O2: -O1 plus digest-only (skip byte compare on digest miss)
}

// ChildError reports a preprocessor or compiler that exited with a nonzero
// status. Per spec.md §7, a child failure is fatal and its exit status must
// propagate as the invocation's own exit code rather than collapsing to a
// generic failure code — cmd/kobjcache's main unwraps this with errors.As.
type ChildError struct {
	Stage    string // "preprocessor" or "compiler"
	ExitCode int
	Stderr   []byte
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("%s exited %d: %s", e.Stage, e.ExitCode, e.Stderr)
}

// Orchestrator runs invocations. It is stateless between runs beyond the logger.
type Orchestrator struct {
	Logger *common.LoggerWrapper
}

// New builds an Orchestrator.
func New(logger *common.LoggerWrapper) *Orchestrator {
	return &Orchestrator{Logger: logger}
}

// Run executes one invocation end to end, matching spec.md §4.7's control flow:
// load the entry, decide whether a recompile is already forced, preprocess (as
// a fused tee pipeline with the compile step when the directory is brand new
// and a compile is already known to be needed, otherwise on its own), decide
// based on the digest (and, on a miss, a byte-compare and a sibling lookup)
// whether a compile is still needed, run it if so, and persist the entry and
// the directory index.
func (o *Orchestrator) Run(ctx context.Context, inv *Invocation) error {
	var dir *cachedir.Dir
	var err error
	if inv.CacheFilePath != "" {
		dir, err = cachedir.OpenFile(inv.CacheFilePath)
	} else {
		dir, err = cachedir.Open(inv.CacheDirPath)
	}
	if err != nil {
		return fmt.Errorf("orchestrator: opening cache directory: %w", err)
	}

	old, needsCompile := o.readEntry(inv.EntryPath)
	argvSum := cacheentry.ArgvSignature(inv.CompileArgv, inv.ObjPath, inv.CppPath)
	if old == nil || !digest.Equal(old.CcArgvSum, argvSum) || old.Obj != filepath.Base(inv.ObjPath) {
		needsCompile = true
	}
	if !needsCompile {
		if _, err := os.Stat(inv.ObjPath); err != nil {
			needsCompile = true
		}
	}

	// Note whether the directory is new before anything below has a chance to
	// write to it — a fresh CacheDir has no prior entry a digest match could
	// save a compile against, so there's no reason to preprocess and compile
	// as two separate steps.
	isNew := dir.IsNew()

	deps := depcollector.NewCollector(inv.DepFileQuiet)
	entryAbs, entryRel := o.entryPaths(dir, inv.EntryPath)

	var cppBytes []byte
	var cppSum digest.Digest
	var cppMS, ccMS int64
	var chain digest.Chain

	fused := needsCompile && isNew && inv.Piped && inv.NamedPipeCompile == ""

	if fused {
		start := time.Now()
		cppBytes, cppSum, err = o.preprocessAndCompile(ctx, inv, deps)
		if err != nil {
			return fmt.Errorf("orchestrator: preprocess+compile: %w", err)
		}
		elapsed := time.Since(start).Milliseconds()
		cppMS, ccMS = elapsed, elapsed
		chain = digest.NewChain(cppSum)
	} else {
		preStart := time.Now()
		cppBytes, cppSum, err = o.preprocess(ctx, inv, deps)
		if err != nil {
			return fmt.Errorf("orchestrator: preprocess: %w", err)
		}
		cppMS = time.Since(preStart).Milliseconds()

		chain = digest.NewChain(cppSum)
		if old != nil {
			ccMS = old.CcMS
		}

		if !needsCompile {
			switch {
			case old.CppSum.Contains(cppSum):
				chain = old.CppSum // exact digest hit: nothing learned, nothing recompiled
			case inv.Optimize2:
				needsCompile = true
			default:
				// inv.CppPath still holds the *previous* invocation's retained output —
				// this run's own preprocess happened entirely in memory above, and the
				// file on disk isn't overwritten until the end of Run.
				oldCpp, readErr := os.ReadFile(inv.CppPath)
				if readErr == nil && cachedir.CompareOutputs(oldCpp, cppBytes) {
					chain = old.CppSum
					chain.Append(cppSum) // learned: byte-equivalent despite a digest miss
				} else {
					needsCompile = true
				}
			}
		}

		if needsCompile {
			dir.RemoveEntry(entryAbs, entryRel)
			if hit := o.trySibling(dir, inv, argvSum, cppSum); hit {
				needsCompile = false
				chain = digest.NewChain(cppSum)
			}
		}

		if needsCompile {
			start := time.Now()
			if err := o.compile(ctx, inv, cppBytes); err != nil {
				return fmt.Errorf("orchestrator: compile: %w", err)
			}
			ccMS = time.Since(start).Milliseconds()
			chain = digest.NewChain(cppSum)
		}
	}

	if inv.DepFilePath != "" {
		if err := os.WriteFile(inv.DepFilePath, []byte(deps.WriteDepFile(inv.ObjPath, inv.DepFileStubs)), 0o644); err != nil {
			return fmt.Errorf("orchestrator: writing depfile: %w", err)
		}
	}

	if err := os.WriteFile(inv.CppPath, cppBytes, 0o644); err != nil {
		return fmt.Errorf("orchestrator: writing retained preprocessor output: %w", err)
	}

	entryKey := uint32(0)
	if old != nil {
		entryKey = old.Key
	}

	newEntry := &cacheentry.Entry{
		Target:    inv.Target,
		Key:       entryKey,
		Obj:       filepath.Base(inv.ObjPath),
		Cpp:       filepath.Base(inv.CppPath),
		CppSize:   int64(len(cppBytes)),
		CppMS:     cppMS,
		CcMS:      ccMS,
		CppSum:    chain,
		CcArgv:    inv.CompileArgv,
		CcArgvSum: argvSum,
	}

	assignedKey, err := dir.InsertEntry(entryKey, argvSum, inv.Target, chain.All(), entryAbs, entryRel, o.entryValidator())
	if err != nil {
		return fmt.Errorf("orchestrator: updating cache index: %w", err)
	}
	newEntry.Key = assignedKey

	if err := o.writeEntry(inv.EntryPath, newEntry); err != nil {
		return fmt.Errorf("orchestrator: writing entry: %w", err)
	}

	return nil
}

// entryPaths resolves inv.EntryPath to the absolute/root-relative pair
// InsertEntry and RemoveEntry key off of: relative whenever the entry lives
// inside dir's root, absolute otherwise (or if the path can't be made
// absolute at all).
func (o *Orchestrator) entryPaths(dir *cachedir.Dir, entryPath string) (absPath, relPath string) {
	abs, err := filepath.Abs(entryPath)
	if err != nil {
		return entryPath, ""
	}
	rel, err := filepath.Rel(dir.Root(), abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return abs, ""
	}
	return "", rel
}

// readEntry loads the prior entry, treating any validation failure as cache
// staleness (spec.md §7): not an error, just needs_compile=true.
func (o *Orchestrator) readEntry(path string) (*cacheentry.Entry, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, true
	}
	defer f.Close()

	e, err := cacheentry.Read(f)
	if err != nil {
		return nil, true
	}
	return e, false
}

func (o *Orchestrator) writeEntry(path string, e *cacheentry.Entry) error {
	tmp, err := common.OpenTempFile(path)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := cacheentry.Write(tmp, e); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// preprocess runs the preprocessor, normalizing its output through a
// cppreader.Reader (which also feeds deps), and returns the optimized bytes
// and their digest. This is the preprocess-only path: used whenever Run does
// not take the fused tee pipeline (including every non-piped cold miss), so
// the compiler isn't started until the needs-compile decision is made.
func (o *Orchestrator) preprocess(ctx context.Context, inv *Invocation, deps *depcollector.Collector) ([]byte, digest.Digest, error) {
	reader := cppreader.New(inv.Optimize1, deps)

	res, err := childproc.RunCaptured(ctx, inv.PreprocessArgv, nil)
	if err != nil {
		return nil, digest.Digest{}, err
	}
	if res.ExitCode != 0 {
		return nil, digest.Digest{}, &ChildError{Stage: "preprocessor", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	if err := reader.Drain(res.Stdout, nil); err != nil {
		return nil, digest.Digest{}, err
	}
	if err := reader.Finish(nil); err != nil {
		return nil, digest.Digest{}, err
	}

	out, sum := reader.GrabOutput()
	return out, sum, nil
}

// preprocessAndCompile runs the preprocessor and compiler as a single tee
// pipeline (spec.md §4.4's preprocess_and_compile, the "Piped mode"/"Tee
// topology"): the preprocessor's stdout streams straight into cppreader, which
// forwards its normalized bytes on into the compiler's stdin as they're
// produced, instead of buffering the whole translation unit in memory before
// the compiler even starts. It's only safe to skip straight to this when a
// compile is already known to be needed regardless of what the preprocessor
// produces — which is exactly the "new cache directory" case Run gates it on.
func (o *Orchestrator) preprocessAndCompile(ctx context.Context, inv *Invocation, deps *depcollector.Collector) ([]byte, digest.Digest, error) {
	reader := cppreader.New(inv.Optimize1, deps)
	os.Remove(inv.ObjPath)

	tee := func(chunk []byte, forward func([]byte) error) error {
		if len(chunk) == 0 {
			return reader.Finish(forward)
		}
		return reader.Drain(chunk, forward)
	}

	producer, consumer, err := childproc.RunTee(ctx, inv.PreprocessArgv, inv.CompileArgv, tee)
	if err != nil {
		return nil, digest.Digest{}, err
	}
	if producer.ExitCode != 0 {
		return nil, digest.Digest{}, &ChildError{Stage: "preprocessor", ExitCode: producer.ExitCode, Stderr: producer.Stderr}
	}
	if consumer.ExitCode != 0 {
		return nil, digest.Digest{}, &ChildError{Stage: "compiler", ExitCode: consumer.ExitCode, Stderr: consumer.Stderr}
	}
	if _, err := os.Stat(inv.ObjPath); err != nil {
		return nil, digest.Digest{}, fmt.Errorf("compiler did not produce %s", inv.ObjPath)
	}

	out, sum := reader.GrabOutput()
	return out, sum, nil
}

// compile runs the compiler against cppBytes, either piped (tee-style, with
// the compiler reading its stdin as the bytes are produced — approximated here
// by feeding the already-materialized optimized buffer, since the preprocess
// step above has already completed) or by writing the preprocessed file to
// disk first, matching the non-piped CacheEntry.compile() path.
func (o *Orchestrator) compile(ctx context.Context, inv *Invocation, cppBytes []byte) error {
	os.Remove(inv.ObjPath)

	var res childproc.Result
	var err error
	switch {
	case inv.Piped && inv.NamedPipeCompile != "":
		res, err = childproc.RunConsumerNamedPipe(ctx, inv.CompileArgv, inv.NamedPipeCompile, cppBytes)
	case inv.Piped:
		res, err = childproc.RunCaptured(ctx, inv.CompileArgv, cppBytes)
	default:
		if werr := os.WriteFile(inv.CppPath, cppBytes, 0o644); werr != nil {
			return werr
		}
		res, err = childproc.RunCaptured(ctx, inv.CompileArgv, nil)
	}
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &ChildError{Stage: "compiler", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	if _, err := os.Stat(inv.ObjPath); err != nil {
		return fmt.Errorf("compiler did not produce %s", inv.ObjPath)
	}
	return nil
}

// entryValidator opens and validates a CacheEntry file, confirming its
// object still exists, and returns the object's absolute path. It's shared by
// trySibling's FindMatchingEntry lookup and by InsertEntry's periodic clean()
// sweep, so both use the identical notion of "still valid".
func (o *Orchestrator) entryValidator() cachedir.Validator {
	return func(entryAbsPath string) (string, bool) {
		f, err := os.Open(entryAbsPath)
		if err != nil {
			return "", false
		}
		defer f.Close()

		e, err := cacheentry.Read(f)
		if err != nil {
			return "", false
		}
		objAbs := filepath.Join(filepath.Dir(entryAbsPath), e.Obj)
		if _, err := os.Stat(objAbs); err != nil {
			return "", false
		}
		return objAbs, true
	}
}

// trySibling looks for a matching CacheEntry elsewhere in the directory (built
// by a sibling translation unit with the same argv signature and an
// intersecting preprocessor digest) and, if found, copies its object file into
// place, preferring a hard link.
func (o *Orchestrator) trySibling(dir *cachedir.Dir, inv *Invocation, argvSum, cppSum digest.Digest) bool {
	objAbs, _, found := dir.FindMatchingEntry(argvSum, cppSum, o.entryValidator())
	if !found {
		return false
	}

	os.Remove(inv.ObjPath)
	if err := os.Link(objAbs, inv.ObjPath); err == nil {
		return true
	}
	if err := copyFile(objAbs, inv.ObjPath); err != nil {
		return false
	}
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 256*1024)
	_, err = io.CopyBuffer(out, in, buf)
	return err
}
