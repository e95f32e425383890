// kobjcache-libtweak is the standalone import-library tweaker (spec.md §6.3):
// a small, separate binary from kobjcache itself, invoked as a post-link step
// against the .lib an SDK's linker just produced. Structurally it follows the
// same "parse argv by hand, build collaborators, convert error to exit code"
// shape as cmd/kobjcache/main.go, just against a much smaller flag set.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kobjcache/kobjcache/internal/common"
	"github.com/kobjcache/kobjcache/internal/libtweak"
)

const progName = "kobjcache-libtweak"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [options] -- LIBRARY

Options:
  --clear-timestamps       zero each member's mtime and embedded COFF/import-lib TimeDateStamp
  --fill-null_thunk_data   patch the NULL_THUNK_DATA section to a fixed sentinel pattern
  -v                       verbose
  -q                       quiet
  -h, --help               this message
  -V, --version            print the version and exit

Environment:
  KLIBTWEAKER_OPTS   extra arguments, split on whitespace, prepended to argv
`, progName)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(rawArgs []string) int {
	args := expandArgs(rawArgs)

	var clearTimestamps, fillNullThunkData, verbose, quiet bool
	var libPath string
	sawTerminator := false

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if sawTerminator {
			if libPath != "" {
				fmt.Fprintf(os.Stderr, "%s: too many arguments\n", progName)
				return 1
			}
			libPath = arg
			continue
		}
		switch arg {
		case "--clear-timestamps":
			clearTimestamps = true
		case "--fill-null_thunk_data":
			fillNullThunkData = true
		case "-v":
			verbose = true
		case "-q":
			quiet = true
		case "-h", "--help":
			usage()
			return 0
		case "-V", "--version":
			fmt.Println(common.GetVersion())
			return 0
		case "--":
			sawTerminator = true
		default:
			if libPath != "" {
				fmt.Fprintf(os.Stderr, "%s: too many arguments\n", progName)
				return 1
			}
			libPath = arg
		}
	}

	if libPath == "" {
		fmt.Fprintf(os.Stderr, "%s: a library path is required\n", progName)
		usage()
		return 1
	}
	if !clearTimestamps && !fillNullThunkData {
		fmt.Fprintf(os.Stderr, "%s: at least one of --clear-timestamps or --fill-null_thunk_data is required\n", progName)
		return 1
	}

	verbosity := int64(0)
	switch {
	case quiet:
		verbosity = -1
	case verbose:
		verbosity = 2
	}
	logger, err := common.MakeLogger("", verbosity, true, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		return 1
	}

	logger.Info(0, "tweaking", libPath, "clearTimestamps", clearTimestamps, "fillNullThunkData", fillNullThunkData)
	if err := libtweak.Tweak(libPath, clearTimestamps, fillNullThunkData); err != nil {
		logger.Error("tweak failed on", libPath, ":", err)
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		return 1
	}

	return 0
}

// expandArgs implements the KLIBTWEAKER_OPTS environment fallback, mirroring
// kobjcache's own KOBJCACHE_OPTS (spec.md §6.1) and the original kLibTweaker's
// AppendArgs/KLIBTWEAKER_OPTS handling.
func expandArgs(rawArgs []string) []string {
	opts := strings.Fields(os.Getenv("KLIBTWEAKER_OPTS"))
	if len(opts) == 0 {
		return rawArgs
	}
	return append(opts, rawArgs...)
}
