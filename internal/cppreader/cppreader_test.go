package cppreader

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

type fakeDeps struct {
	entered []string
	raw     []byte
}

func (f *fakeDeps) EnterFile(name string) { f.entered = append(f.entered, name) }
func (f *fakeDeps) Consume(p []byte)      { f.raw = append(f.raw, p...) }

func runDrain(t *testing.T, r *Reader, input string) []byte {
	t.Helper()
	var forwarded bytes.Buffer
	forward := func(p []byte) error { forwarded.Write(p); return nil }

	if err := r.Drain([]byte(input), forward); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := r.Finish(forward); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return forwarded.Bytes()
}

func TestPassthroughWhenOptimizeDisabled(t *testing.T) {
	deps := &fakeDeps{}
	r := New(false, deps)
	input := "# 1 \"a.c\"\nint x;\n\n\n#line 99 \"a.c\"\nint y;\n"

	out := runDrain(t, r, input)
	if string(out) != input {
		t.Fatalf("passthrough must not rewrite bytes:\ngot:  %q\nwant: %q", out, input)
	}

	grabbed, _ := r.GrabOutput()
	if string(grabbed) != input {
		t.Fatalf("GrabOutput mismatch in passthrough mode")
	}
	if len(deps.entered) != 0 {
		t.Fatalf("passthrough mode must not call EnterFile, got %v", deps.entered)
	}
	if string(deps.raw) != input {
		t.Fatalf("passthrough mode must feed the raw byte stream to Consume")
	}
}

func TestShortBlankRunKeptAsNewlines(t *testing.T) {
	r := New(true, nil)
	input := "int a;\n\n\n\nint b;\n" // a gap of 3 blank lines, below the threshold of 7

	out := runDrain(t, r, input)
	if string(out) != input {
		t.Fatalf("short blank runs must be preserved verbatim:\ngot:  %q\nwant: %q", out, input)
	}
}

func TestLongBlankRunCollapsedToLineDirective(t *testing.T) {
	r := New(true, nil)
	var b strings.Builder
	b.WriteString("int a;\n")
	for i := 0; i < 9; i++ {
		b.WriteString("\n")
	}
	b.WriteString("int b;\n")

	out := runDrain(t, r, b.String())
	want := "int a;\n#line 11\nint b;\n"
	if string(out) != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestRedundantLineDirectiveAbsorbedIntoBlankRun(t *testing.T) {
	r := New(true, nil)
	// The compiler already told us we're on line 1 of a.c (a file change, so
	// it is rewritten as an explicit "#line 1 "a.c""); a #line directive
	// restating line 9 of the same file is a 7-line gap, at the threshold, but
	// "#line 9\n" (8 bytes) is longer than seven newlines, so the gap is
	// emitted as a blank run.
	input := "# 1 \"a.c\"\nint a;\n#line 9 \"a.c\"\nint b;\n"

	out := runDrain(t, r, input)
	want := "#line 1 \"a.c\"\nint a;\n\n\n\n\n\n\n\nint b;\n"
	if string(out) != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestFileChangeAlwaysEmitsExplicitDirectiveAndNotifiesDeps(t *testing.T) {
	deps := &fakeDeps{}
	r := New(true, deps)
	input := "# 1 \"a.c\"\nint a;\n# 1 \"b.h\"\nint b;\n"

	out := runDrain(t, r, input)
	if !strings.Contains(string(out), "#line 1 \"b.h\"\n") {
		t.Fatalf("expected explicit directive with filename, got %q", out)
	}
	if len(deps.entered) != 2 || deps.entered[0] != "a.c" || deps.entered[1] != "b.h" {
		t.Fatalf("expected EnterFile(a.c), EnterFile(b.h), got %v", deps.entered)
	}
}

func TestRewindEmitsExplicitDirective(t *testing.T) {
	r := New(true, nil)
	input := "# 1 \"a.c\"\nint a;\nint b;\nint c;\n#line 2 \"a.c\"\nint d;\n"

	out := runDrain(t, r, input)
	if !strings.Contains(string(out), "#line 2\n") {
		t.Fatalf("rewind should synthesize an explicit #line 2, got %q", out)
	}
}

func TestDrainSplitAcrossArbitraryChunkBoundaries(t *testing.T) {
	input := "# 1 \"a.c\"\nint a;\n\n\n\n\n\n\n\n\nint b;\r\n"
	oneShot := New(true, nil)
	want := runDrain(t, oneShot, input)

	for split := 1; split < len(input); split++ {
		r := New(true, nil)
		var forwarded bytes.Buffer
		forward := func(p []byte) error { forwarded.Write(p); return nil }

		if err := r.Drain([]byte(input[:split]), forward); err != nil {
			t.Fatalf("split %d: Drain 1: %v", split, err)
		}
		if err := r.Drain([]byte(input[split:]), forward); err != nil {
			t.Fatalf("split %d: Drain 2: %v", split, err)
		}
		if err := r.Finish(forward); err != nil {
			t.Fatalf("split %d: Finish: %v", split, err)
		}
		if !bytes.Equal(forwarded.Bytes(), want) {
			t.Fatalf("split %d: got %q, want %q", split, forwarded.Bytes(), want)
		}
	}
}

func TestOptimizerIsIdempotent(t *testing.T) {
	input := "# 1 \"a.c\"\nint a;\n\n\n\n\n\n\n\n\nint b;\n#line 4 \"a.c\"\nint c;\n"

	first := New(true, nil)
	firstOut := runDrain(t, first, input)

	second := New(true, nil)
	secondOut := runDrain(t, second, string(firstOut))

	if !bytes.Equal(firstOut, secondOut) {
		t.Fatalf("optimizing already-optimized output must be a no-op:\nfirst:  %q\nsecond: %q", firstOut, secondOut)
	}
}

func TestGrabOutputMatchesDigestInput(t *testing.T) {
	r := New(true, nil)
	input := "int a;\n"
	runDrain(t, r, input)

	out, d := r.GrabOutput()
	if string(out) != input {
		t.Fatalf("got %q", out)
	}
	if d.IsZero() {
		t.Fatalf("digest must not be zero for non-empty input")
	}
}

func TestParseLineDirectiveShortAndLongForms(t *testing.T) {
	cases := []struct {
		line     string
		wantN    uint32
		wantFile string
		wantHas  bool
		wantOK   bool
	}{
		{`#line 5 "x.c"`, 5, "x.c", true, true},
		{`# 5 "x.c"`, 5, "x.c", true, true},
		{`# 5 "x.c" 1`, 5, "x.c", true, true},
		{`#line 5`, 5, "", false, true},
		{`int a;`, 0, "", false, false},
		{`#define X 1`, 0, "", false, false},
	}
	for _, c := range cases {
		n, file, hasFile, ok := parseLineDirective([]byte(c.line))
		if ok != c.wantOK {
			t.Errorf(fmt.Sprintf("parseLineDirective(%q) ok = %v, want %v", c.line, ok, c.wantOK))
			continue
		}
		if !ok {
			continue
		}
		if n != c.wantN || file != c.wantFile || hasFile != c.wantHas {
			t.Errorf("parseLineDirective(%q) = (%d, %q, %v), want (%d, %q, %v)",
				c.line, n, file, hasFile, c.wantN, c.wantFile, c.wantHas)
		}
	}
}
