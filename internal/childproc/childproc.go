// Package childproc launches the external compiler processes kobjcache wraps:
// a plain captured run (used for the compile step, and for a simple one-shot
// preprocess), and a producer/consumer pipe topology (preprocessor piped straight
// into the compiler's stdin, with a tee function observing the bytes in transit).
// It is grounded on the teacher's internal/client/compile-locally.go
// (RunCxxLocally: os/exec + bytes.Buffer capture + ProcessState.ExitCode()) and
// internal/server/cxx-launcher.go (the same shape, used for the server-side
// compiler launch).
package childproc

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Result is what came back from one child process: its captured stderr, its
// exit code, and the stdout bytes if it was captured rather than piped.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// RunCaptured runs argv[0] with argv[1:] as arguments, feeding it stdin and
// capturing both stdout and stderr in full. This is the shape of a plain
// compile step, or of preprocessing into an in-memory buffer rather than a pipe.
func RunCaptured(ctx context.Context, argv []string, stdin []byte) (Result, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		if _, isExit := runErr.(*exec.ExitError); !isExit {
			return res, runErr
		}
	}
	return res, nil
}

// Producer is a child process whose stdout is streamed rather than buffered —
// the preprocessor half of a producer/consumer/tee pipeline.
type Producer struct {
	cmd    *exec.Cmd
	Stdout io.ReadCloser
	stderr bytes.Buffer
}

// StartProducer starts argv and returns once its stdout pipe is ready to read.
func StartProducer(ctx context.Context, argv []string) (*Producer, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	p := &Producer{cmd: cmd}
	cmd.Stderr = &p.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p.Stdout = stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// Wait blocks until the producer exits and returns its result. Its stdout must
// have already been fully drained (and closed) by the caller.
func (p *Producer) Wait() (Result, error) {
	runErr := p.cmd.Wait()
	res := Result{Stderr: p.stderr.Bytes()}
	if p.cmd.ProcessState != nil {
		res.ExitCode = p.cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		if _, isExit := runErr.(*exec.ExitError); !isExit {
			return res, runErr
		}
	}
	return res, nil
}

// Consumer is a child process fed via a stdin pipe rather than a fixed buffer —
// the compiler half of a producer/consumer/tee pipeline.
type Consumer struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// StartConsumer starts argv with a stdin pipe ready for writing.
func StartConsumer(ctx context.Context, argv []string) (*Consumer, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c := &Consumer{cmd: cmd}
	cmd.Stdout = &c.stdout
	cmd.Stderr = &c.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	c.Stdin = stdin

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return c, nil
}

// Wait blocks until the consumer exits. The caller must have closed c.Stdin first.
func (c *Consumer) Wait() (Result, error) {
	runErr := c.cmd.Wait()
	res := Result{Stdout: c.stdout.Bytes(), Stderr: c.stderr.Bytes()}
	if c.cmd.ProcessState != nil {
		res.ExitCode = c.cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		if _, isExit := runErr.(*exec.ExitError); !isExit {
			return res, runErr
		}
	}
	return res, nil
}

// RunConsumerNamedPipe runs argv (expected to itself open pipePath for reading,
// per its own command line — e.g. a compiler invoked with the pipe path in
// place of a source file) and feeds it stdin via a named pipe instead of an
// anonymous one. This is the "--named-pipe-compile" variant of the consumer
// half of a tee pipeline (spec.md §6.1, §9's Open Question about runtime
// rather than compile-time selection between the two): some compilers on some
// platforms can't be handed an anonymous pipe as stdin but accept a named one
// as a regular path argument.
func RunConsumerNamedPipe(ctx context.Context, argv []string, pipePath string, data []byte) (Result, error) {
	_ = os.Remove(pipePath)
	if err := unix.Mkfifo(pipePath, 0o600); err != nil {
		return Result{}, err
	}
	defer os.Remove(pipePath)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, err
	}

	// Opening the fifo for writing blocks until the child has opened it for
	// reading, so this must happen after Start, never before.
	writeErrCh := make(chan error, 1)
	go func() {
		w, err := os.OpenFile(pipePath, os.O_WRONLY, 0)
		if err != nil {
			writeErrCh <- err
			return
		}
		_, err = w.Write(data)
		cerr := w.Close()
		if err == nil {
			err = cerr
		}
		writeErrCh <- err
	}()

	writeErr := <-writeErrCh
	runErr := cmd.Wait()

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		if _, isExit := runErr.(*exec.ExitError); !isExit {
			return res, runErr
		}
	}
	if writeErr != nil && res.ExitCode == 0 {
		return res, writeErr
	}
	return res, nil
}

// teeBlockSize matches the block size the original optimizer reads preprocessor
// output in; it has no correctness significance, only a throughput/latency one.
const teeBlockSize = 64 * 1024

// Tee is called once per block of producer stdout. forward writes the (possibly
// rewritten) bytes on to the consumer's stdin; a Tee implementation that doesn't
// rewrite anything should just call forward(chunk) and return its error.
type Tee func(chunk []byte, forward func([]byte) error) error

// RunTee starts producerArgv and consumerArgv, pipes the former's stdout into
// tee and from there into the latter's stdin, and waits for both to finish. This
// is the streaming topology used when CppReader normalizes output on the fly
// instead of preprocessing fully to disk first.
func RunTee(ctx context.Context, producerArgv, consumerArgv []string, tee Tee) (producer Result, consumer Result, err error) {
	p, err := StartProducer(ctx, producerArgv)
	if err != nil {
		return Result{}, Result{}, err
	}
	c, err := StartConsumer(ctx, consumerArgv)
	if err != nil {
		_, _ = p.Wait()
		return Result{}, Result{}, err
	}

	forward := func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		_, werr := c.Stdin.Write(b)
		return werr
	}

	buf := make([]byte, teeBlockSize)
	var teeErr error
	eof := false
loop:
	for {
		n, readErr := p.Stdout.Read(buf)
		if n > 0 {
			if err := tee(buf[:n], forward); err != nil {
				teeErr = err
				break loop
			}
		}
		switch {
		case readErr == io.EOF:
			eof = true
			break loop
		case readErr != nil:
			teeErr = readErr
			break loop
		}
	}
	// A final zero-length call lets tee flush any bytes it was still holding
	// onto (e.g. a trailing line with no terminating newline).
	if eof && teeErr == nil {
		teeErr = tee(nil, forward)
	}
	_ = c.Stdin.Close()

	producer, producerErr := p.Wait()
	consumer, consumerErr := c.Wait()

	switch {
	case teeErr != nil:
		return producer, consumer, teeErr
	case producerErr != nil:
		return producer, consumer, producerErr
	case consumerErr != nil:
		return producer, consumer, consumerErr
	default:
		return producer, consumer, nil
	}
}
