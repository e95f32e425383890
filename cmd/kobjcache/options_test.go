package main

import (
	"reflect"
	"testing"
)

// Scenario 1 from spec.md §8's literal end-to-end cases: flags for this
// program trail the --kObjCache-cc block rather than preceding it, which
// kobjcache must still recognize as its own rather than forwarding into the
// compiler's argv.
func TestParseArgsRecognizesOwnFlagsInsideArgvBlocks(t *testing.T) {
	args := []string{
		"--kObjCache-cpp", "/t/a.i", "cpp", "hello.c",
		"--kObjCache-cc", "/t/a.o", "cc", "-c",
		"-t", "x86_64-linux",
		"-f", "/t/a.koc",
		"-d", "/t/cache",
	}

	o, err := parseArgs(args)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}

	if o.entryPath != "/t/a.koc" {
		t.Errorf("entryPath = %q", o.entryPath)
	}
	if o.cacheDir != "/t/cache" {
		t.Errorf("cacheDir = %q", o.cacheDir)
	}
	if o.target != "x86_64-linux" {
		t.Errorf("target = %q", o.target)
	}
	if o.cppObjPath != "/t/a.i" {
		t.Errorf("cppObjPath = %q", o.cppObjPath)
	}
	if o.ccObjPath != "/t/a.o" {
		t.Errorf("ccObjPath = %q", o.ccObjPath)
	}
	if !reflect.DeepEqual(o.cppArgv, []string{"cpp", "hello.c"}) {
		t.Errorf("cppArgv = %v", o.cppArgv)
	}
	if !reflect.DeepEqual(o.ccArgv, []string{"cc", "-c"}) {
		t.Errorf("ccArgv = %v", o.ccArgv)
	}
}

func TestParseArgsKObjCacheBothDuplicatesIntoBothLists(t *testing.T) {
	args := []string{
		"--kObjCache-both", "-DSHARED=1",
		"--kObjCache-cpp", "/t/a.i", "cpp",
		"--kObjCache-cc", "/t/a.o", "cc",
	}

	o, err := parseArgs(args)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !reflect.DeepEqual(o.cppArgv, []string{"-DSHARED=1", "cpp"}) {
		t.Errorf("cppArgv = %v", o.cppArgv)
	}
	if !reflect.DeepEqual(o.ccArgv, []string{"-DSHARED=1", "cc"}) {
		t.Errorf("ccArgv = %v", o.ccArgv)
	}
}

func TestParseArgsMissingValueIsAnError(t *testing.T) {
	if _, err := parseArgs([]string{"-f"}); err == nil {
		t.Fatal("expected an error for -f with no following argument")
	}
}

func TestResolveCacheIndexPathDerivesFromEntryBasename(t *testing.T) {
	o := &options{entryPath: "/t/a.koc", cacheDir: "/t/cache"}
	path, err := o.resolveCacheIndexPath()
	if err != nil {
		t.Fatalf("resolveCacheIndexPath: %v", err)
	}
	if path != "/t/cache/a.koc" {
		t.Errorf("path = %q", path)
	}
}

// Every flag falls back to a KOBJCACHE_* environment variable when absent
// from argv, and an explicit flag still wins over it.
func TestParseArgsFallsBackToEnvironmentVariables(t *testing.T) {
	t.Setenv("KOBJCACHE_DIR", "/env/cache")
	t.Setenv("KOBJCACHE_TARGET", "env-target")
	t.Setenv("KOBJCACHE_VERBOSE", "1")

	args := []string{
		"--kObjCache-cpp", "/t/a.i", "cpp",
		"--kObjCache-cc", "/t/a.o", "cc",
		"-f", "/t/a.koc",
		"-t", "argv-target",
	}

	o, err := parseArgs(args)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}

	if o.cacheDir != "/env/cache" {
		t.Errorf("cacheDir = %q, want the KOBJCACHE_DIR fallback", o.cacheDir)
	}
	if o.target != "argv-target" {
		t.Errorf("target = %q, want the explicit -t value to win over KOBJCACHE_TARGET", o.target)
	}
	if !o.verbose {
		t.Errorf("verbose = false, want true from KOBJCACHE_VERBOSE")
	}
}

func TestResolveCacheIndexPathRejectsBothCacheFileAndCacheDir(t *testing.T) {
	o := &options{cacheFile: "/t/cache/index", cacheDir: "/t/cache"}
	if _, err := o.resolveCacheIndexPath(); err == nil {
		t.Fatal("expected an error when both -c and -d are given")
	}
}
