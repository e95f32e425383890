package cachedir

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kobjcache/kobjcache/internal/digest"
)

func alwaysValid(objPath string) Validator {
	return func(string) (string, bool) { return objPath, true }
}

func neverValid() Validator {
	return func(string) (string, bool) { return "", false }
}

func TestInsertThenFindMatchingEntry(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	sig := digest.Sum([]byte("gcc -O2 foo.c"))
	cppSum := digest.Sum([]byte("preprocessed foo.c"))
	chain := []digest.Digest{cppSum}

	if _, err := d.InsertEntry(0, sig, "x86_64-linux", chain, "", "entries/foo.koc", nil); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}

	obj, entry, found := d.FindMatchingEntry(sig, cppSum, alwaysValid("/t/foo.o"))
	if !found || obj != "/t/foo.o" {
		t.Fatalf("FindMatchingEntry = (%q, %q, %v)", obj, entry, found)
	}

	otherSig := digest.Sum([]byte("gcc -O3 foo.c"))
	if _, _, found := d.FindMatchingEntry(otherSig, cppSum, alwaysValid("/t/foo.o")); found {
		t.Fatalf("FindMatchingEntry should not match an unrelated argv signature")
	}

	otherCpp := digest.Sum([]byte("different preprocessed output"))
	if _, _, found := d.FindMatchingEntry(sig, otherCpp, alwaysValid("/t/foo.o")); found {
		t.Fatalf("FindMatchingEntry should not match a digest outside the chain")
	}
}

func TestInsertEntryAssignsNonZeroUniqueKeys(t *testing.T) {
	dir := t.TempDir()
	d, _ := Open(dir)

	sig := digest.Sum([]byte("gcc foo.c"))
	cppSum := digest.Sum([]byte("output"))

	keyA, err := d.InsertEntry(0, sig, "t", []digest.Digest{cppSum}, "", "entries/foo.koc", nil)
	if err != nil {
		t.Fatalf("InsertEntry A: %v", err)
	}
	if keyA == 0 {
		t.Fatalf("allocated key must be non-zero")
	}

	keyB, err := d.InsertEntry(0, sig, "t", []digest.Digest{cppSum}, "", "entries/bar.koc", nil)
	if err != nil {
		t.Fatalf("InsertEntry B: %v", err)
	}
	if keyB == 0 || keyB == keyA {
		t.Fatalf("allocated keys must be non-zero and unique: %d, %d", keyA, keyB)
	}

	// Re-inserting at the same path with the previously assigned key must
	// keep that key rather than allocating a new one.
	keyA2, err := d.InsertEntry(keyA, sig, "t", []digest.Digest{cppSum}, "", "entries/foo.koc", nil)
	if err != nil {
		t.Fatalf("InsertEntry A replace: %v", err)
	}
	if keyA2 != keyA {
		t.Fatalf("replacing the same path should keep its key: got %d, want %d", keyA2, keyA)
	}
}

func TestFindMatchingEntryPurgesStaleRecord(t *testing.T) {
	dir := t.TempDir()
	d, _ := Open(dir)

	sig := digest.Sum([]byte("gcc foo.c"))
	cppSum := digest.Sum([]byte("output"))
	d.InsertEntry(0, sig, "x86_64-linux", []digest.Digest{cppSum}, "", "entries/foo.koc", nil)

	if _, _, found := d.FindMatchingEntry(sig, cppSum, neverValid()); found {
		t.Fatalf("a failing validator must not report a match")
	}

	// The stale record should have been purged: a second lookup, even with a
	// validator that would now succeed, finds nothing because the record is gone.
	if _, _, found := d.FindMatchingEntry(sig, cppSum, alwaysValid("/t/foo.o")); found {
		t.Fatalf("purged record should not reappear")
	}
}

func TestInsertEntryReplacesSamePath(t *testing.T) {
	dir := t.TempDir()
	d, _ := Open(dir)

	sig := digest.Sum([]byte("gcc foo.c"))
	cppA := digest.Sum([]byte("a"))
	cppB := digest.Sum([]byte("b"))

	d.InsertEntry(0, sig, "t", []digest.Digest{cppA}, "", "entries/foo.koc", nil)
	d.InsertEntry(0, sig, "t", []digest.Digest{cppB}, "", "entries/foo.koc", nil)

	if _, _, found := d.FindMatchingEntry(sig, cppA, alwaysValid("/t/foo.o")); found {
		t.Fatalf("old chain must not survive a replace")
	}
	if _, _, found := d.FindMatchingEntry(sig, cppB, alwaysValid("/t/foo.o")); !found {
		t.Fatalf("new chain should be found after replace")
	}
}

func TestRemoveEntry(t *testing.T) {
	dir := t.TempDir()
	d, _ := Open(dir)

	sig := digest.Sum([]byte("gcc foo.c"))
	cppSum := digest.Sum([]byte("output"))
	d.InsertEntry(0, sig, "t", []digest.Digest{cppSum}, "", "entries/foo.koc", nil)

	if err := d.RemoveEntry("", "entries/foo.koc"); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if _, _, found := d.FindMatchingEntry(sig, cppSum, alwaysValid("/t/foo.o")); found {
		t.Fatalf("removed entry should not be found")
	}
}

func TestIndexSelfHealsOnCorruption(t *testing.T) {
	dir := t.TempDir()
	d, _ := Open(dir)

	if err := os.WriteFile(filepath.Join(dir, "index"), []byte("not an index at all"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sig := digest.Sum([]byte("gcc foo.c"))
	cppSum := digest.Sum([]byte("output"))
	if _, err := d.InsertEntry(0, sig, "t", []digest.Digest{cppSum}, "", "entries/foo.koc", nil); err != nil {
		t.Fatalf("InsertEntry should self-heal past a corrupt index: %v", err)
	}

	if _, _, found := d.FindMatchingEntry(sig, cppSum, alwaysValid("/t/foo.o")); !found {
		t.Fatalf("expected a match after self-heal")
	}
}

func TestIndexMissingFileBehavesAsEmpty(t *testing.T) {
	dir := t.TempDir()
	d, _ := Open(dir)

	if _, _, found := d.FindMatchingEntry(digest.Sum([]byte("x")), digest.Sum([]byte("y")), alwaysValid("/t/foo.o")); found {
		t.Fatalf("a directory with no index file should have no records")
	}
}

func TestDirIsNew(t *testing.T) {
	dir := t.TempDir()
	d, _ := Open(dir)

	if !d.IsNew() {
		t.Fatalf("a directory with no index file should be new")
	}

	sig := digest.Sum([]byte("gcc foo.c"))
	cppSum := digest.Sum([]byte("output"))
	d.InsertEntry(0, sig, "t", []digest.Digest{cppSum}, "", "entries/foo.koc", nil)

	if d.IsNew() {
		t.Fatalf("a directory with a populated index should not be new")
	}
}

func TestCleanPurgesStaleRecordsEveryNthGeneration(t *testing.T) {
	dir := t.TempDir()
	d, _ := Open(dir)

	sig := digest.Sum([]byte("gcc foo.c"))
	cppSum := digest.Sum([]byte("output"))

	// 19 distinct first-time inserts land the index on generation 19 with 19
	// records — exactly clean()'s trigger point (every N=19 generations, at
	// least 16 digests). Passing a validator only on that last call should
	// purge every record it now rejects, including the one just inserted.
	for i := 0; i < 19; i++ {
		path := filepath.Join("entries", fmt.Sprintf("%d.koc", i))
		var validate Validator
		if i == 18 {
			validate = neverValid()
		}
		if _, err := d.InsertEntry(0, sig, "t", []digest.Digest{cppSum}, "", path, validate); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	if _, _, found := d.FindMatchingEntry(sig, cppSum, alwaysValid("/t/foo.o")); found {
		t.Fatalf("clean() should have purged every record the validator now rejects")
	}
}

func TestCompareOutputsIgnoresLineDirectivesAndBlankRuns(t *testing.T) {
	a := "int x;\n\n\nint y;\n"
	b := "int x;\n#line 12\nint y;\n"
	if !CompareOutputs([]byte(a), []byte(b)) {
		t.Fatalf("outputs differing only by blank-run-vs-#line should compare equal")
	}
}

func TestCompareOutputsIgnoresClosingCurlyOnlyLines(t *testing.T) {
	a := "void f() {\n  x();\n}\n"
	b := "void f() {\n  x();\n\n}\n"
	if !CompareOutputs([]byte(a), []byte(b)) {
		t.Fatalf("closing-curly-only lines are skipped, so an extra blank line before one should be ignorable")
	}
}

func TestCompareOutputsRejectsCurlyAfterOtherTokens(t *testing.T) {
	a := "void f() { return; }\n"
	b := "void f() { return;\n}\n"
	if CompareOutputs([]byte(a), []byte(b)) {
		t.Fatalf("a line ending in '}' after other tokens must not be treated as ignorable")
	}
}

func TestCompareOutputsRejectsRealDifference(t *testing.T) {
	a := "int x = 1;\n"
	b := "int x = 2;\n"
	if CompareOutputs([]byte(a), []byte(b)) {
		t.Fatalf("genuinely different lines must not compare equal")
	}
}

func TestCompareOutputsIdentical(t *testing.T) {
	a := "same\nsame\n"
	if !CompareOutputs([]byte(a), []byte(a)) {
		t.Fatalf("identical buffers must compare equal")
	}
}

func TestCompareOutputsRejectsMismatchedCurlyCountAtEOF(t *testing.T) {
	a := "void f() {\n  x();\n}\n}\n"
	b := "void f() {\n  x();\n}\n"
	if CompareOutputs([]byte(a), []byte(b)) {
		t.Fatalf("an unequal number of skipped closing-curly-only lines must be a mismatch")
	}
}

func TestCompareOutputsRejectsLineNumberDisagreementAfterDirectiveOnBothSides(t *testing.T) {
	a := "int x;\n#line 50 \"foo.h\"\nint y;\n"
	b := "int x;\n#line 51 \"foo.h\"\nint y;\n"
	if CompareOutputs([]byte(a), []byte(b)) {
		t.Fatalf("a real line-number disagreement after matching #line directives must be a mismatch")
	}
}
