// Package sandbox runs registered binaries and captures their raw
// output for binding.
//
// The runner is a consumed interface: the protocol assumes executions
// happen inside a sandbox but does not enforce sandbox integrity. The
// default implementation is os/exec with a kill-on-timeout context and
// best-effort resource limits; integrators with stronger isolation
// substitute their own Runner.
package sandbox

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"execproof/internal/binaryid"
	"execproof/internal/challenge"
	"execproof/internal/logging"
)

// InputBinding selects how the challenge reaches the binary.
type InputBinding string

const (
	// BindNonceArg passes the challenge nonce to the binary as a final
	// hex argument and in the environment. For binaries that accept
	// auxiliary input: their output can depend on the nonce, which
	// defeats output precomputation entirely.
	BindNonceArg InputBinding = "nonce-arg"

	// BindDigestOnly runs the binary untouched. For fixed binaries:
	// freshness comes only from the digest layer binding
	// digest(nonce, output), which proves the output was presented
	// after the nonce existed, not that it was computed after.
	BindDigestOnly InputBinding = "digest-only"
)

// Errors
var (
	ErrExecutionFailed = errors.New("sandbox: execution failed")
	ErrTimeout         = errors.New("sandbox: execution deadline exceeded")
	ErrChecksumDrift   = errors.New("sandbox: binary changed on disk since registration")
	ErrBadBinding      = errors.New("sandbox: unknown input binding mode")
)

// ExecutionResult is the captured run.
type ExecutionResult struct {
	RawOutput []byte
	Stderr    []byte
	ExitCode  int
	StartedAt time.Time
	Duration  time.Duration
}

// Runner executes a binary under a challenge. Implementations must
// honor context cancellation.
type Runner interface {
	Execute(ctx context.Context, id binaryid.Identity, args []string, ch challenge.Challenge) (*ExecutionResult, error)
}

// ExecRunner is the default os/exec runner.
type ExecRunner struct {
	binding InputBinding
	timeout time.Duration
	limits  ResourceLimits
	log     *logging.Logger
}

// ResourceLimits are best-effort POSIX limits applied to the child.
// Zero fields are left at the parent's values.
type ResourceLimits struct {
	// MaxCPUSeconds limits CPU time (RLIMIT_CPU).
	MaxCPUSeconds uint64

	// MaxOutputBytes caps captured stdout; the run fails beyond it.
	MaxOutputBytes int64

	// MaxFileBytes limits file creation size (RLIMIT_FSIZE).
	MaxFileBytes uint64
}

// DefaultTimeout bounds a run when the caller's context has no
// deadline.
const DefaultTimeout = 60 * time.Second

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithBinding selects the input binding mode.
func WithBinding(b InputBinding) Option {
	return func(r *ExecRunner) { r.binding = b }
}

// WithTimeout sets the fallback execution deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *ExecRunner) { r.timeout = d }
}

// WithLimits sets child resource limits.
func WithLimits(l ResourceLimits) Option {
	return func(r *ExecRunner) { r.limits = l }
}

// NewExecRunner creates the default runner in digest-only mode.
func NewExecRunner(opts ...Option) *ExecRunner {
	r := &ExecRunner{
		binding: BindDigestOnly,
		timeout: DefaultTimeout,
		limits:  ResourceLimits{MaxOutputBytes: 64 << 20},
		log:     logging.Default().WithComponent("sandbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the binary at its registered path and captures stdout.
// The binary on disk is re-hashed first; drift from the registered
// checksum aborts the run before anything executes.
func (r *ExecRunner) Execute(ctx context.Context, id binaryid.Identity, args []string, ch challenge.Challenge) (*ExecutionResult, error) {
	current, _, err := binaryid.HashFile(id.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: rehash: %v", ErrExecutionFailed, err)
	}
	if current != id.Checksum {
		return nil, ErrChecksumDrift
	}

	runCtx := ctx
	if _, ok := ctx.Deadline(); !ok && r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	nonceHex := hex.EncodeToString(ch.Nonce[:])
	switch r.binding {
	case BindNonceArg:
		args = append(args[:len(args):len(args)], nonceHex)
	case BindDigestOnly:
		// No challenge input; freshness comes from the digest layer.
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadBinding, r.binding)
	}

	cmd := exec.CommandContext(runCtx, id.Path, args...)
	cmd.Stdin = nil
	if r.binding == BindNonceArg {
		cmd.Env = append(cmd.Environ(), "EXECPROOF_NONCE="+nonceHex)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: r.limits.MaxOutputBytes}
	cmd.Stderr = &stderr

	setProcAttrs(cmd)

	started := time.Now()
	r.log.Debug("executing binary",
		"binary", id.Key(),
		"path", id.Path,
		"binding", string(r.binding),
		"challenge_id", ch.ID)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	if err := applyLimits(cmd.Process.Pid, r.limits); err != nil {
		r.log.Warn("resource limits not applied", "error", err)
	}
	runErr := cmd.Wait()
	duration := time.Since(started)

	res := &ExecutionResult{
		RawOutput: stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		StartedAt: started,
		Duration:  duration,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runCtx.Err() != nil {
		return res, fmt.Errorf("%w after %s", ErrTimeout, duration.Round(time.Millisecond))
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return res, fmt.Errorf("%w: exit status %d", ErrExecutionFailed, exitErr.ExitCode())
		}
		return res, fmt.Errorf("%w: %v", ErrExecutionFailed, runErr)
	}
	return res, nil
}

var errOutputTruncated = errors.New("sandbox: output limit exceeded")

// limitedWriter fails the copy once the cap is hit so an output bomb
// cannot exhaust memory. A non-positive cap means unlimited.
type limitedWriter struct {
	w       *bytes.Buffer
	limit   int64
	written int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.limit > 0 && l.written+int64(len(p)) > l.limit {
		return 0, errOutputTruncated
	}
	l.written += int64(len(p))
	return l.w.Write(p)
}
