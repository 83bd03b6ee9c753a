package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	// ErrInvalidSessionToken is returned when a resume token is not a
	// canonical UUID, which is what the external tool expects.
	ErrInvalidSessionToken = errors.New("invalid session token: must be a canonical UUID")

	// ErrSpawnFailed wraps failures to start the agent executable.
	ErrSpawnFailed = errors.New("failed to spawn agent process")
)

// Output lines can be long (full diffs, tool transcripts).
const maxLineSize = 1024 * 1024

// Limit on retained stderr; only the tail matters for diagnostics.
const maxStderrSize = 16 * 1024

// Options configure one agent invocation.
type Options struct {
	// Bin is the agent executable. Required.
	Bin string

	Prompt  string
	Model   string
	Context string // written to the process's stdin when set

	// ResumeToken continues a prior external conversation instead of
	// starting fresh. Must be a canonical UUID.
	ResumeToken string

	// Dir is the working directory for the process.
	Dir string

	// ExtraArgs are appended verbatim after the derived arguments.
	ExtraArgs []string
}

// ExitResult describes how a session ended. Valid once Done is closed.
type ExitResult struct {
	Code      int
	Cancelled bool

	// Result is the final structured result message, if one was observed.
	// A well-formed result wins over a non-zero exit code.
	Result *Message

	// Stderr holds the tail of the process's stderr output.
	Stderr string

	// Err is a wait failure other than a non-zero exit status.
	Err error
}

// Session is a live agent-process execution. Obtain one via Start; consume
// Output until it closes, then read Exit.
type Session struct {
	cmd    *exec.Cmd
	out    chan *Message
	done   chan struct{}
	exit   ExitResult
	result atomic.Pointer[Message]

	cancelled atomic.Bool
	stderr    *tailBuffer
	log       *slog.Logger
}

// ValidateResumeToken checks that a resume token has the canonical UUID
// format the external tool expects. An empty token is valid (fresh start).
func ValidateResumeToken(token string) error {
	if token == "" {
		return nil
	}
	if _, err := uuid.Parse(token); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidSessionToken, token)
	}
	return nil
}

// Start spawns the agent executable and begins parsing its output stream.
// The returned session's Output channel yields parsed messages in arrival
// order and is closed when the process exits; Done closes after the exit
// result is recorded. Spawn failures are returned synchronously.
func Start(ctx context.Context, opts Options, log *slog.Logger) (*Session, error) {
	if err := ValidateResumeToken(opts.ResumeToken); err != nil {
		return nil, err
	}
	if opts.Bin == "" {
		return nil, fmt.Errorf("%w: no agent executable configured", ErrSpawnFailed)
	}

	args := buildArgs(opts)
	cmd := exec.CommandContext(ctx, opts.Bin, args...)
	cmd.Dir = opts.Dir
	configureCommandProcess(cmd)

	if opts.Context != "" {
		cmd.Stdin = strings.NewReader(opts.Context)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	stderr := &tailBuffer{limit: maxStderrSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s := &Session{
		cmd:    cmd,
		out:    make(chan *Message, 64),
		done:   make(chan struct{}),
		stderr: stderr,
		log:    log,
	}

	go s.run(stdout)
	return s, nil
}

func buildArgs(opts Options) []string {
	var args []string
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}
	args = append(args, "-p", opts.Prompt, "--output-format", "stream-json", "--verbose")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return append(args, opts.ExtraArgs...)
}

// run owns the full read-parse-wait lifecycle. It is the only writer of
// s.exit and the only closer of s.out and s.done.
func (s *Session) run(stdout io.Reader) {
	r := bufio.NewReaderSize(stdout, 64*1024)

	// The final unterminated fragment arrives alongside io.EOF, which
	// gives that fragment its one parse attempt.
	for {
		line, err := readLine(r)
		if errors.Is(err, errLineTooLong) {
			s.log.Warn("skipping oversized output line", "limit_bytes", maxLineSize)
			continue
		}

		if strings.TrimSpace(line) != "" {
			msg, perr := parseLine(line)
			if perr != nil {
				s.log.Warn("skipping malformed output line", "error", perr, "line", truncate(line, 200))
			} else {
				if msg.IsResult() {
					s.result.Store(msg)
				}
				s.out <- msg
			}
		}

		if err != nil {
			if err != io.EOF {
				if !s.cancelled.Load() {
					s.log.Warn("agent output read error", "error", err)
				}
				// Keep the pipe drained so Wait below cannot block on a
				// writer stuck in a full stdout buffer.
				io.Copy(io.Discard, stdout)
			}
			break
		}
	}

	waitErr := s.cmd.Wait()

	s.exit = ExitResult{
		Cancelled: s.cancelled.Load(),
		Result:    s.result.Load(),
		Stderr:    s.stderr.String(),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			s.exit.Code = exitErr.ExitCode()
		} else {
			s.exit.Err = waitErr
			s.exit.Code = -1
		}
	}

	close(s.out)
	close(s.done)
}

// Output returns the parsed message stream. Closed on process exit.
func (s *Session) Output() <-chan *Message {
	return s.out
}

// Done is closed once the exit result is available.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Exit returns how the session ended. Only valid after Done is closed.
func (s *Session) Exit() ExitResult {
	return s.exit
}

// Cancel terminates the underlying process. The exit path still runs, so
// Output closes and Done fires; callers never wait indefinitely. Cancelling
// an already-finished session is a no-op.
func (s *Session) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	select {
	case <-s.done:
		// Already exited; nothing to kill.
	default:
		terminateCommandProcess(s.cmd)
	}
}

var errLineTooLong = errors.New("output line exceeds size limit")

// readLine returns the next newline-terminated line without its
// terminator. A line longer than maxLineSize is discarded through its
// newline and reported as errLineTooLong so the caller can keep
// reading. The final unterminated fragment is returned with io.EOF.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)

		if len(buf) > maxLineSize {
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.ReadSlice('\n')
			}
			if err != nil && err != io.EOF {
				return "", err
			}
			return "", errLineTooLong
		}

		switch {
		case err == nil:
			line := strings.TrimSuffix(string(buf), "\n")
			return strings.TrimSuffix(line, "\r"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return string(buf), err
		}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n > t.limit {
		p = p[n-t.limit:]
	}
	if t.buf.Len()+len(p) > t.limit {
		trimmed := t.buf.Bytes()[t.buf.Len()+len(p)-t.limit:]
		var next bytes.Buffer
		next.Write(trimmed)
		t.buf = next
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
