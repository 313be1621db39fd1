package trace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// DefaultDecoder is the external tool converting binary traces to JSON lines.
var DefaultDecoder = []string{"go", "run", "github.com/libp2p/go-libp2p-pubsub-tracer/cmd/trace2json"}

const stderrLimit = 4096

type commandSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *limitedBuffer
	inner  *jsonlSource

	once    sync.Once
	waitErr error
}

// CommandSource starts the external decoder and streams its standard output
// as JSON lines. Close stops the process if it is still running.
func CommandSource(ctx context.Context, name string, args ...string) (Source, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder %s: %w", name, err)
	}
	return &commandSource{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		inner:  newJSONL(stdout, nil),
	}, nil
}

func (s *commandSource) Next(ctx context.Context) (Record, error) {
	rec, err := s.inner.Next(ctx)
	if !errors.Is(err, io.EOF) {
		return rec, err
	}
	if werr := s.wait(); werr != nil {
		return Record{}, werr
	}
	return Record{}, io.EOF
}

func (s *commandSource) wait() error {
	s.once.Do(func() {
		if err := s.cmd.Wait(); err != nil {
			s.waitErr = fmt.Errorf("%w: %v: %s", ErrDecoderFailed, err, bytes.TrimSpace(s.stderr.Bytes()))
		}
	})
	return s.waitErr
}

// Close kills the decoder unless the stream already ran to completion.
func (s *commandSource) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}

type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
