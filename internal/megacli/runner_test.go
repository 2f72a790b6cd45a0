package megacli

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerCapturesOutput(t *testing.T) {
	var r ExecRunner
	res, err := r.Run(context.Background(), "sh", []string{"-c", "echo hello; echo world >&2"}, RunOptions{
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "hello")
	assert.Contains(t, res.Output, "world")
	assert.False(t, res.Truncated)
}

func TestExecRunnerExitCode(t *testing.T) {
	var r ExecRunner
	res, err := r.Run(context.Background(), "sh", []string{"-c", "exit 54"}, RunOptions{
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 54, res.ExitCode)
}

func TestExecRunnerTruncatesOutput(t *testing.T) {
	var r ExecRunner
	res, err := r.Run(context.Background(), "sh", []string{"-c", "for i in $(seq 1 200); do echo 'xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx'; done"}, RunOptions{
		Timeout:        10 * time.Second,
		MaxOutputBytes: 512,
	})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Output), 512)
}

func TestExecRunnerTimeout(t *testing.T) {
	var r ExecRunner
	start := time.Now()
	_, err := r.Run(context.Background(), "sh", []string{"-c", "sleep 30"}, RunOptions{
		Timeout: 300 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecRunnerStallWatchdog(t *testing.T) {
	var r ExecRunner
	start := time.Now()
	_, err := r.Run(context.Background(), "sh", []string{"-c", "echo '12.5 %'; sleep 30"}, RunOptions{
		StallTimeout: time.Second,
	})
	require.Error(t, err)

	var stall *StallError
	require.True(t, errors.As(err, &stall))
	assert.InDelta(t, 12.5, stall.LastPercent, 0.001)
	// The subprocess must be dead, not orphaned
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecRunnerAnswersPrompt(t *testing.T) {
	var r ExecRunner
	res, err := r.Run(context.Background(), "sh", []string{"-c", `echo "Do you accept the terms?"; read ans; echo "answer:$ans"`}, RunOptions{
		Timeout: 10 * time.Second,
		Prompts: []PromptRule{
			{Pattern: regexp.MustCompile(`(?i)do you accept.*\?`), Answer: "yes"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "answer:yes")
}

func TestExecRunnerPromptFailsafe(t *testing.T) {
	var r ExecRunner
	res, err := r.Run(context.Background(), "sh", []string{"-c", `echo "Unknown question [y/N]:"; read ans; echo "answer:$ans"`}, RunOptions{
		Timeout:        10 * time.Second,
		PromptFailsafe: "n",
		PromptTimeout:  200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "answer:n")
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "third", lastLine("first\nsecond\nthird\n"))
	assert.Equal(t, "only", lastLine("only"))
	assert.Equal(t, "", lastLine("\n\n"))
}

func TestLooksLikePrompt(t *testing.T) {
	assert.True(t, looksLikePrompt("Continue?"))
	assert.True(t, looksLikePrompt("Overwrite file [y/N]"))
	assert.True(t, looksLikePrompt("Enter passphrase:"))
	assert.False(t, looksLikePrompt("TRANSFERRING 50 %"))
}

func TestClassify(t *testing.T) {
	err := classify("ls", Result{Output: "Not logged in.", ExitCode: 9})
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	err = classify("login", Result{Output: "Login failed: too many attempts", ExitCode: 1})
	assert.ErrorIs(t, err, ErrLoginDenied)

	err = classify("put", Result{Output: "boom", ExitCode: 2})
	var rce *RemoteCommandError
	require.True(t, errors.As(err, &rce))
	assert.Equal(t, 2, rce.ExitCode)
	assert.True(t, strings.Contains(rce.Error(), "put"))
}
