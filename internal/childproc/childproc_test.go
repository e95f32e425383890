package childproc

import (
	"context"
	"strings"
	"testing"
)

func TestRunCapturedEchoesStdinAndExitCode(t *testing.T) {
	res, err := RunCaptured(context.Background(), []string{"cat"}, []byte("hello"))
	if err != nil {
		t.Fatalf("RunCaptured: %v", err)
	}
	if string(res.Stdout) != "hello" {
		t.Fatalf("got stdout %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Fatalf("got exit code %d", res.ExitCode)
	}
}

func TestRunCapturedNonZeroExit(t *testing.T) {
	res, err := RunCaptured(context.Background(), []string{"sh", "-c", "echo oops >&2; exit 3"}, nil)
	if err != nil {
		t.Fatalf("RunCaptured should not error on a clean non-zero exit: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("got exit code %d, want 3", res.ExitCode)
	}
	if !strings.Contains(string(res.Stderr), "oops") {
		t.Fatalf("stderr not captured: %q", res.Stderr)
	}
}

func TestRunTeePipesProducerIntoConsumer(t *testing.T) {
	producerArgv := []string{"sh", "-c", "printf 'line one\\nline two\\n'"}
	consumerArgv := []string{"cat"}

	var seen []byte
	tee := func(chunk []byte, forward func([]byte) error) error {
		seen = append(seen, chunk...)
		return forward(chunk)
	}

	producer, consumer, err := RunTee(context.Background(), producerArgv, consumerArgv, tee)
	if err != nil {
		t.Fatalf("RunTee: %v", err)
	}
	if producer.ExitCode != 0 || consumer.ExitCode != 0 {
		t.Fatalf("unexpected exit codes: producer=%d consumer=%d", producer.ExitCode, consumer.ExitCode)
	}
	want := "line one\nline two\n"
	if string(seen) != want {
		t.Fatalf("tee saw %q, want %q", seen, want)
	}
	if string(consumer.Stdout) != want {
		t.Fatalf("consumer stdout %q, want %q", consumer.Stdout, want)
	}
}

func TestRunTeeCanRewriteBytesInFlight(t *testing.T) {
	producerArgv := []string{"sh", "-c", "printf 'abc'"}
	consumerArgv := []string{"cat"}

	tee := func(chunk []byte, forward func([]byte) error) error {
		upper := make([]byte, len(chunk))
		for i, b := range chunk {
			if b >= 'a' && b <= 'z' {
				b -= 'a' - 'A'
			}
			upper[i] = b
		}
		return forward(upper)
	}

	_, consumer, err := RunTee(context.Background(), producerArgv, consumerArgv, tee)
	if err != nil {
		t.Fatalf("RunTee: %v", err)
	}
	if string(consumer.Stdout) != "ABC" {
		t.Fatalf("got %q", consumer.Stdout)
	}
}

func TestRunTeeStopsOnTeeError(t *testing.T) {
	producerArgv := []string{"sh", "-c", "printf 'one\\ntwo\\nthree\\n'"}
	consumerArgv := []string{"cat"}

	boom := context.Canceled
	tee := func(chunk []byte, forward func([]byte) error) error {
		return boom
	}

	_, _, err := RunTee(context.Background(), producerArgv, consumerArgv, tee)
	if err != boom {
		t.Fatalf("got err %v, want %v", err, boom)
	}
}
