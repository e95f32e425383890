// kobjcache is the per-invocation compiler-output cache (spec.md §1/§6.1): it
// runs a preprocessor, decides from a previous run's CacheEntry whether the
// compiler can be skipped, and otherwise runs the compiler and updates the
// cache. Structurally this mirrors the teacher's cmd/nocc-server/main.go and
// cmd/nocc-daemon/main.go: parse flags (with an env-var fallback), build up
// the collaborators, run, convert any error into an exit code — the one place
// in the whole program that's allowed to call os.Exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kobjcache/kobjcache/internal/common"
	"github.com/kobjcache/kobjcache/internal/orchestrator"
)

const progName = "kobjcache"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [options] --kObjCache-cpp OBJ <preprocessor argv> --kObjCache-cc OBJ <compiler argv>

Options:
  -f, --entry-file PATH     CacheEntry file path (required)
  -c, --cache-file PATH     CacheDir index file (mutually exclusive with -d/-n)
  -d, --cache-dir PATH      CacheDir directory
  -n, --name NAME           base name for the index file under -d
  -t, --target NAME         target tag (required)
      --named-pipe-compile NAME
                            feed the compiler via a named pipe instead of an anonymous one
  -p, --passthru            pipe both the preprocessor's stdout and the compiler's stdin
  -r, --redir-stdout        pipe only the preprocessor's stdout
  -m, --make-dep-file PATH  emit a makefile-format dependency file
      --make-dep-fix-case   canonicalize the case of dependency paths
      --make-dep-gen-stubs  emit empty stub rules for each dependency
      --make-dep-quiet      suppress dependency-collector warnings
  -O1, --optimize-1         normalize #line directives in preprocessor output
  -O2, --optimize-2         -O1, plus skip the byte-compare fallback on a digest miss
  -v                        verbose
  -q                        quiet
  -h, --help                this message
  -V, --version             print the version and exit

Environment:
  KOBJCACHE_OPTS   extra arguments, split on whitespace, prepended to argv

  Every option above except -h/--help and -V/--version also has a
  KOBJCACHE_* fallback used when the flag
  itself is absent from argv (e.g. KOBJCACHE_DIR for -d, KOBJCACHE_TARGET
  for -t, KOBJCACHE_VERBOSE for -v); an explicit flag always wins.
`, progName)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// expandArgs implements the KOBJCACHE_OPTS environment fallback (spec.md
// §6.1): its contents are split on whitespace, with no quoting support, and
// prepended to the real argv so they behave as if typed first on the command
// line (and so can still be overridden by an explicit later flag of the same name).
func expandArgs(rawArgs []string) []string {
	opts := strings.Fields(os.Getenv("KOBJCACHE_OPTS"))
	if len(opts) == 0 {
		return rawArgs
	}
	return append(opts, rawArgs...)
}

func run(rawArgs []string) int {
	opts, err := parseArgs(expandArgs(rawArgs))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		return 1
	}

	if opts.help {
		usage()
		return 0
	}
	if opts.version {
		fmt.Println(common.GetVersion())
		return 0
	}

	if opts.entryPath == "" {
		fmt.Fprintf(os.Stderr, "%s: -f/--entry-file is required\n", progName)
		return 1
	}
	if opts.target == "" {
		fmt.Fprintf(os.Stderr, "%s: -t/--target is required\n", progName)
		return 1
	}
	if opts.cppObjPath == "" || len(opts.cppArgv) == 0 {
		fmt.Fprintf(os.Stderr, "%s: --kObjCache-cpp OBJ <preprocessor argv> is required\n", progName)
		return 1
	}
	if opts.ccObjPath == "" || len(opts.ccArgv) == 0 {
		fmt.Fprintf(os.Stderr, "%s: --kObjCache-cc OBJ <compiler argv> is required\n", progName)
		return 1
	}

	cacheIndexPath, err := opts.resolveCacheIndexPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		return 1
	}

	verbosity := int64(0)
	switch {
	case opts.quiet:
		verbosity = -1
	case opts.verbose:
		verbosity = 2
	}
	logger, err := common.MakeLogger("", verbosity, true, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		return 1
	}

	inv := &orchestrator.Invocation{
		EntryPath:        opts.entryPath,
		CacheFilePath:    cacheIndexPath,
		Target:           opts.target,
		PreprocessArgv:   opts.cppArgv,
		CompileArgv:      opts.ccArgv,
		ObjPath:          opts.ccObjPath,
		CppPath:          opts.cppObjPath,
		DepFilePath:      opts.depFile,
		DepFileStubs:     opts.depGenStubs,
		DepFileQuiet:     opts.depQuiet,
		Piped:            opts.passthru || opts.redirStdout,
		NamedPipeCompile: opts.namedPipeCompile,
		Optimize1:        opts.optimize1 || opts.optimize2,
		Optimize2:        opts.optimize2,
	}

	if err := common.MkdirForFile(inv.EntryPath); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		return 1
	}

	o := orchestrator.New(logger)
	if err := o.Run(context.Background(), inv); err != nil {
		logger.Error("invocation failed", "entry", inv.EntryPath, "err", err)
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)

		var childErr *orchestrator.ChildError
		if errors.As(err, &childErr) && childErr.ExitCode != 0 {
			return childErr.ExitCode
		}
		return 1
	}

	return 0
}
