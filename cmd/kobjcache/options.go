// This module is the strict argument scanner for the kobjcache CLI (spec.md
// §6.1). Unlike a normal flag.FlagSet, kobjcache's command line mixes its own
// options with two raw argv lists (the preprocessor's and the compiler's), so
// a plain flag package can't own the whole scan — the same shape of problem
// the teacher solves by hand in internal/client/invocation.go's
// ParseCmdLineInvocation loop, generalized here from "recognize a handful of
// compiler flags, forward the rest" to "recognize kobjcache's own flags
// wherever they appear, and route everything else into whichever of the two
// argv lists is currently open".
package main

import (
	"fmt"
	"path/filepath"

	"github.com/kobjcache/kobjcache/internal/common"
)

// scanMode tracks which argv list (if any) un-recognized tokens are currently
// being routed into, following the last --kObjCache-cpp/-cc/-both/-options
// marker seen.
type scanMode int

const (
	modeOptions scanMode = iota
	modeCpp
	modeCc
	modeBoth
)

// options is the fully-parsed command line, before it's translated into an
// orchestrator.Invocation.
type options struct {
	help    bool
	version bool
	verbose bool
	quiet   bool

	entryPath string
	cacheFile string
	cacheDir  string
	cacheName string
	target    string

	namedPipeCompile string
	passthru         bool
	redirStdout      bool

	depFile        string
	depFixCase     bool
	depGenStubs    bool
	depQuiet       bool

	optimize1 bool
	optimize2 bool

	cppObjPath string
	ccObjPath  string
	cppArgv    []string
	ccArgv     []string
}

// cmdFlags holds one common.FlagSet registration per kobjcache option that
// has a KOBJCACHE_* environment fallback (spec.md §6.1: "every -flag also has
// a KOBJCACHE_* environment fallback"). It's scoped to a single parseArgs
// call rather than package-global, since flag registration in the standard
// library's own flag.Var would panic on a second parseArgs in the same
// process (as happens across this package's own tests).
type cmdFlags struct {
	fs *common.FlagSet

	entryPath *common.StringFlag
	cacheFile *common.StringFlag
	cacheDir  *common.StringFlag
	cacheName *common.StringFlag
	target    *common.StringFlag

	namedPipeCompile *common.StringFlag
	passthru         *common.BoolFlag
	redirStdout      *common.BoolFlag

	depFile     *common.StringFlag
	depFixCase  *common.BoolFlag
	depGenStubs *common.BoolFlag
	depQuiet    *common.BoolFlag

	optimize1 *common.BoolFlag
	optimize2 *common.BoolFlag

	verbose *common.BoolFlag
	quiet   *common.BoolFlag
}

func newCmdFlags() *cmdFlags {
	fs := common.NewFlagSet()
	return &cmdFlags{
		fs: fs,

		entryPath: fs.CmdEnvString("", "KOBJCACHE_ENTRY_FILE"),
		cacheFile: fs.CmdEnvString("", "KOBJCACHE_CACHE_FILE"),
		cacheDir:  fs.CmdEnvString("", "KOBJCACHE_DIR"),
		cacheName: fs.CmdEnvString("", "KOBJCACHE_NAME"),
		target:    fs.CmdEnvString("", "KOBJCACHE_TARGET"),

		namedPipeCompile: fs.CmdEnvString("", "KOBJCACHE_NAMED_PIPE_COMPILE"),
		passthru:         fs.CmdEnvBool(false, "KOBJCACHE_PASSTHRU"),
		redirStdout:      fs.CmdEnvBool(false, "KOBJCACHE_REDIR_STDOUT"),

		depFile:     fs.CmdEnvString("", "KOBJCACHE_MAKE_DEP_FILE"),
		depFixCase:  fs.CmdEnvBool(false, "KOBJCACHE_MAKE_DEP_FIX_CASE"),
		depGenStubs: fs.CmdEnvBool(false, "KOBJCACHE_MAKE_DEP_GEN_STUBS"),
		depQuiet:    fs.CmdEnvBool(false, "KOBJCACHE_MAKE_DEP_QUIET"),

		optimize1: fs.CmdEnvBool(false, "KOBJCACHE_OPTIMIZE_1"),
		optimize2: fs.CmdEnvBool(false, "KOBJCACHE_OPTIMIZE_2"),

		verbose: fs.CmdEnvBool(false, "KOBJCACHE_VERBOSE"),
		quiet:   fs.CmdEnvBool(false, "KOBJCACHE_QUIET"),
	}
}

// apply copies every flag's resolved value (explicit argv value, or its
// KOBJCACHE_* environment fallback, or its default) into o.
func (cf *cmdFlags) apply(o *options) {
	o.entryPath = cf.entryPath.Value
	o.cacheFile = cf.cacheFile.Value
	o.cacheDir = cf.cacheDir.Value
	o.cacheName = cf.cacheName.Value
	o.target = cf.target.Value

	o.namedPipeCompile = cf.namedPipeCompile.Value
	o.passthru = cf.passthru.Value
	o.redirStdout = cf.redirStdout.Value

	o.depFile = cf.depFile.Value
	o.depFixCase = cf.depFixCase.Value
	o.depGenStubs = cf.depGenStubs.Value
	o.depQuiet = cf.depQuiet.Value

	o.optimize1 = cf.optimize1.Value
	o.optimize2 = cf.optimize2.Value

	o.verbose = cf.verbose.Value
	o.quiet = cf.quiet.Value
}

// parseArgs scans args (already expanded with KOBJCACHE_OPTS, see expandArgs)
// into an options value. It returns an error for anything that looks like an
// invocation mistake (spec.md §7's "invocation errors" category) — it never
// itself decides to exit, so callers can format the diagnostic consistently.
func parseArgs(args []string) (*options, error) {
	o := &options{}
	cf := newCmdFlags()
	mode := modeOptions

	i := 0
	next := func(flagName string) (string, error) {
		i++
		if i >= len(args) {
			return "", fmt.Errorf("%s requires an argument", flagName)
		}
		return args[i], nil
	}

	for ; i < len(args); i++ {
		arg := args[i]

		switch {
		case arg == "--kObjCache-cpp":
			v, err := next(arg)
			if err != nil {
				return nil, err
			}
			o.cppObjPath = v
			mode = modeCpp
			continue
		case arg == "--kObjCache-cc":
			v, err := next(arg)
			if err != nil {
				return nil, err
			}
			o.ccObjPath = v
			mode = modeCc
			continue
		case arg == "--kObjCache-both":
			mode = modeBoth
			continue
		case arg == "--kObjCache-options":
			mode = modeOptions
			continue
		}

		matched, err := cf.tryOption(o, arg, args, &i)
		if err != nil {
			return nil, err
		}
		if matched {
			continue
		}

		switch mode {
		case modeCpp:
			o.cppArgv = append(o.cppArgv, arg)
		case modeCc:
			o.ccArgv = append(o.ccArgv, arg)
		case modeBoth:
			o.cppArgv = append(o.cppArgv, arg)
			o.ccArgv = append(o.ccArgv, arg)
		default:
			return nil, fmt.Errorf("unrecognized option %q", arg)
		}
	}

	if err := cf.fs.ApplyEnvDefaults(); err != nil {
		return nil, err
	}
	cf.apply(o)

	return o, nil
}

// tryOption recognizes one of kobjcache's own flags at args[*i], consuming any
// value argument it takes (advancing *i further), and reports whether arg
// matched at all. It's checked against every token regardless of scanMode, so
// "-t x86_64-linux" after a --kObjCache-cc block (as in spec.md §8's literal
// scenarios) is still recognized as kobjcache's own flag rather than forwarded
// into the compiler's argv. Flags backed by a KOBJCACHE_* environment
// fallback are routed through cf so an explicit value here takes priority
// over the environment (common.FlagSet.ApplyEnvDefaults, called once parsing
// finishes); -h/-V and the --kObjCache-cpp/-cc OBJ paths control the process
// directly and so are set straight on o.
func (cf *cmdFlags) tryOption(o *options, arg string, args []string, i *int) (bool, error) {
	next := func(flagName string) (string, error) {
		*i++
		if *i >= len(args) {
			return "", fmt.Errorf("%s requires an argument", flagName)
		}
		return args[*i], nil
	}

	switch arg {
	case "-f", "--entry-file":
		v, err := next(arg)
		if err != nil {
			return true, err
		}
		cf.entryPath.Set(v)
		return true, nil
	case "-c", "--cache-file":
		v, err := next(arg)
		if err != nil {
			return true, err
		}
		cf.cacheFile.Set(v)
		return true, nil
	case "-d", "--cache-dir":
		v, err := next(arg)
		if err != nil {
			return true, err
		}
		cf.cacheDir.Set(v)
		return true, nil
	case "-n", "--name":
		v, err := next(arg)
		if err != nil {
			return true, err
		}
		cf.cacheName.Set(v)
		return true, nil
	case "-t", "--target":
		v, err := next(arg)
		if err != nil {
			return true, err
		}
		cf.target.Set(v)
		return true, nil
	case "--named-pipe-compile":
		v, err := next(arg)
		if err != nil {
			return true, err
		}
		cf.namedPipeCompile.Set(v)
		return true, nil
	case "-p", "--passthru":
		cf.passthru.SetTrue()
		return true, nil
	case "-r", "--redir-stdout":
		cf.redirStdout.SetTrue()
		return true, nil
	case "-m", "--make-dep-file":
		v, err := next(arg)
		if err != nil {
			return true, err
		}
		cf.depFile.Set(v)
		return true, nil
	case "--make-dep-fix-case":
		cf.depFixCase.SetTrue()
		return true, nil
	case "--make-dep-gen-stubs":
		cf.depGenStubs.SetTrue()
		return true, nil
	case "--make-dep-quiet":
		cf.depQuiet.SetTrue()
		return true, nil
	case "-O1", "--optimize-1":
		cf.optimize1.SetTrue()
		return true, nil
	case "-O2", "--optimize-2":
		cf.optimize2.SetTrue()
		return true, nil
	case "-v":
		cf.verbose.SetTrue()
		return true, nil
	case "-q":
		cf.quiet.SetTrue()
		return true, nil
	case "-h", "--help":
		o.help = true
		return true, nil
	case "-V", "--version":
		o.version = true
		return true, nil
	}

	return false, nil
}

// resolveCacheIndexPath implements the "-d PATH" index-filename derivation
// rule from spec.md §6.1: an explicit "-c" file wins outright; otherwise the
// index lives under the cache directory, named after "-n" if given, or after
// the entry file's own basename with its extension replaced by ".koc".
func (o *options) resolveCacheIndexPath() (string, error) {
	if o.cacheFile != "" {
		if o.cacheDir != "" {
			return "", fmt.Errorf("-c/--cache-file and -d/--cache-dir are mutually exclusive")
		}
		return o.cacheFile, nil
	}
	if o.cacheDir == "" {
		return "", fmt.Errorf("one of -c/--cache-file or -d/--cache-dir is required")
	}

	name := o.cacheName
	if name == "" {
		name = common.ReplaceFileExt(filepath.Base(o.entryPath), ".koc")
	}
	return filepath.Join(o.cacheDir, name), nil
}
