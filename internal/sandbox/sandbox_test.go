package sandbox

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"execproof/internal/binaryid"
	"execproof/internal/challenge"
)

// writeScript writes an executable shell script and returns its
// computed identity.
func writeScript(t *testing.T, script string) binaryid.Identity {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bin")
	full := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(path, []byte(full), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	id, err := binaryid.Compute("bin", "1.0.0", path)
	if err != nil {
		t.Fatalf("compute identity: %v", err)
	}
	return id
}

func testChallenge(id binaryid.Identity) challenge.Challenge {
	ch := challenge.Challenge{
		ID:        "ch-1",
		Binary:    id,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
		State:     challenge.StateConsumed,
	}
	ch.Nonce[0] = 0xaa
	ch.Nonce[31] = 0xbb
	return ch
}

func TestExecuteDigestOnly(t *testing.T) {
	id := writeScript(t, `echo hello`)
	runner := NewExecRunner()

	res, err := runner.Execute(context.Background(), id, nil, testChallenge(id))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(res.RawOutput) != "hello\n" {
		t.Errorf("output = %q, want hello", res.RawOutput)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if res.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestExecuteNonceArg(t *testing.T) {
	// the script echoes its last argument, which must be the hex nonce
	id := writeScript(t, `for a in "$@"; do last="$a"; done; echo "$last"`)
	runner := NewExecRunner(WithBinding(BindNonceArg))
	ch := testChallenge(id)

	res, err := runner.Execute(context.Background(), id, []string{"first"}, ch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := hex.EncodeToString(ch.Nonce[:])
	if got := strings.TrimSpace(string(res.RawOutput)); got != want {
		t.Errorf("last arg = %q, want nonce %q", got, want)
	}
}

func TestExecuteNonceEnv(t *testing.T) {
	id := writeScript(t, `echo "$EXECPROOF_NONCE"`)
	runner := NewExecRunner(WithBinding(BindNonceArg))
	ch := testChallenge(id)

	res, err := runner.Execute(context.Background(), id, nil, ch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := hex.EncodeToString(ch.Nonce[:])
	if got := strings.TrimSpace(string(res.RawOutput)); got != want {
		t.Errorf("EXECPROOF_NONCE = %q, want %q", got, want)
	}
}

func TestExecuteChecksumDrift(t *testing.T) {
	id := writeScript(t, `echo hello`)

	// rewrite the binary after registration
	if err := os.WriteFile(id.Path, []byte("#!/bin/sh\necho evil\n"), 0755); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	runner := NewExecRunner()
	if _, err := runner.Execute(context.Background(), id, nil, testChallenge(id)); !errors.Is(err, ErrChecksumDrift) {
		t.Errorf("Execute after drift = %v, want ErrChecksumDrift", err)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	id := writeScript(t, `echo partial; exit 3`)
	runner := NewExecRunner()

	res, err := runner.Execute(context.Background(), id, nil, testChallenge(id))
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("Execute = %v, want ErrExecutionFailed", err)
	}
	if res == nil || res.ExitCode != 3 {
		t.Errorf("result = %+v, want exit code 3", res)
	}
	if !bytes.Contains(res.RawOutput, []byte("partial")) {
		t.Error("partial output not captured")
	}
}

func TestExecuteTimeout(t *testing.T) {
	id := writeScript(t, `sleep 30`)
	runner := NewExecRunner(WithTimeout(200 * time.Millisecond))

	start := time.Now()
	_, err := runner.Execute(context.Background(), id, nil, testChallenge(id))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Execute = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("timeout did not kill the child promptly")
	}
}

func TestExecuteCallerDeadlineWins(t *testing.T) {
	id := writeScript(t, `sleep 30`)
	runner := NewExecRunner(WithTimeout(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := runner.Execute(ctx, id, nil, testChallenge(id)); !errors.Is(err, ErrTimeout) {
		t.Errorf("Execute = %v, want ErrTimeout from caller deadline", err)
	}
}

func TestExecuteOutputCap(t *testing.T) {
	id := writeScript(t, `yes x | head -c 1048576`)
	runner := NewExecRunner(WithLimits(ResourceLimits{MaxOutputBytes: 1024}))

	if _, err := runner.Execute(context.Background(), id, nil, testChallenge(id)); err == nil {
		t.Error("Execute succeeded past the output cap")
	}
}

func TestExecuteBadBinding(t *testing.T) {
	id := writeScript(t, `echo hello`)
	runner := NewExecRunner(WithBinding(InputBinding("telepathy")))

	if _, err := runner.Execute(context.Background(), id, nil, testChallenge(id)); !errors.Is(err, ErrBadBinding) {
		t.Errorf("Execute = %v, want ErrBadBinding", err)
	}
}

func TestExecuteStderrSeparate(t *testing.T) {
	id := writeScript(t, `echo out; echo err >&2`)
	runner := NewExecRunner()

	res, err := runner.Execute(context.Background(), id, nil, testChallenge(id))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(res.RawOutput) != "out\n" {
		t.Errorf("stdout = %q", res.RawOutput)
	}
	if string(res.Stderr) != "err\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, limit: 8}

	if _, err := w.Write([]byte("12345678")); err != nil {
		t.Fatalf("write within cap failed: %v", err)
	}
	if _, err := w.Write([]byte("9")); err == nil {
		t.Error("write past cap succeeded")
	}

	unlimited := &limitedWriter{w: &bytes.Buffer{}, limit: 0}
	if _, err := unlimited.Write(make([]byte, 1<<16)); err != nil {
		t.Errorf("unlimited writer failed: %v", err)
	}
}
