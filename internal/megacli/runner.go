package megacli

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

const defaultMaxOutput = 256 * 1024

// PromptRule auto-answers a recognized interactive prompt by writing the
// canned response to the subprocess's stdin.
type PromptRule struct {
	Pattern *regexp.Regexp
	Answer  string
}

// RunOptions controls a single subprocess invocation
type RunOptions struct {
	// Timeout is a fixed ceiling for short commands (login, mkdir, ls...).
	// Transfers leave it zero and rely on the stall watchdog instead.
	Timeout time.Duration

	// StallTimeout arms the progress watchdog: if no new percent token is
	// observed for this long, the process tree is killed and a StallError
	// returned. Zero disables the watchdog.
	StallTimeout time.Duration

	Prompts        []PromptRule
	PromptFailsafe string
	PromptTimeout  time.Duration

	MaxOutputBytes int
	OnProgress     func(percent float64)
}

// Result is the captured outcome of a subprocess invocation
type Result struct {
	Output    string
	Truncated bool
	ExitCode  int
}

// Runner executes one remote-CLI command. The exec implementation is
// swapped for a scripted fake in tests.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts RunOptions) (Result, error)
}

// ExecRunner runs real subprocesses
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, opts RunOptions) (Result, error) {
	maxOut := opts.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = defaultMaxOutput
	}

	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdin pipe: %w", err)
	}

	watch := newProgressWatch()
	responder := newPromptResponder(stdin, opts.Prompts, opts.PromptFailsafe, opts.PromptTimeout)

	buf := newCaptureBuffer(maxOut, func(chunk, tail []byte) {
		if pct, ok := LastPercent(string(chunk)); ok {
			watch.touch(pct)
			if opts.OnProgress != nil {
				opts.OnProgress(pct)
			}
		}
		responder.observe(tail)
	})
	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var ceiling <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		ceiling = t.C
	}

	var stallTick <-chan time.Time
	if opts.StallTimeout > 0 {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		stallTick = ticker.C
	}

	var waitErr error
	var stalled, timedOut, canceled bool

wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-ctx.Done():
			canceled = true
			killTree(cmd)
			waitErr = <-done
			break wait
		case <-ceiling:
			timedOut = true
			killTree(cmd)
			waitErr = <-done
			break wait
		case <-stallTick:
			if watch.idleFor() >= opts.StallTimeout {
				stalled = true
				killTree(cmd)
				waitErr = <-done
				break wait
			}
		}
	}

	responder.close()

	output, truncated := buf.contents()
	res := Result{Output: output, Truncated: truncated, ExitCode: exitCode(waitErr)}

	switch {
	case stalled:
		return res, &StallError{
			Command:     name,
			LastPercent: watch.lastPercent(),
			StalledFor:  opts.StallTimeout,
		}
	case canceled:
		return res, ctx.Err()
	case timedOut:
		return res, fmt.Errorf("%s timed out after %s", name, opts.Timeout)
	}

	return res, nil
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// captureBuffer collects combined output, bounded to max bytes by dropping
// the oldest data. Noisy transfers can emit megabytes of progress redraws.
type captureBuffer struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
	onChunk   func(chunk, tail []byte)
}

func newCaptureBuffer(max int, onChunk func(chunk, tail []byte)) *captureBuffer {
	return &captureBuffer{max: max, onChunk: onChunk}
}

func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		drop := len(b.data) - b.max
		b.data = append(b.data[:0:0], b.data[drop:]...)
		b.truncated = true
	}
	var tail []byte
	if n := len(b.data); n > 512 {
		tail = append([]byte(nil), b.data[n-512:]...)
	} else {
		tail = append([]byte(nil), b.data...)
	}
	hook := b.onChunk
	b.mu.Unlock()

	if hook != nil {
		hook(p, tail)
	}
	return len(p), nil
}

func (b *captureBuffer) contents() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data), b.truncated
}

// progressWatch tracks the last observed percent and when it moved
type progressWatch struct {
	mu      sync.Mutex
	percent float64
	movedAt time.Time
}

func newProgressWatch() *progressWatch {
	return &progressWatch{movedAt: time.Now()}
}

func (w *progressWatch) touch(pct float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pct != w.percent {
		w.percent = pct
		w.movedAt = time.Now()
	}
}

func (w *progressWatch) idleFor() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.movedAt)
}

func (w *progressWatch) lastPercent() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.percent
}

// promptResponder watches the output tail for interactive prompts and
// answers them on stdin. If something prompt-shaped appears but no scripted
// rule matches within the failsafe window, the conservative answer is sent.
type promptResponder struct {
	mu       sync.Mutex
	stdin    io.WriteCloser
	rules    []PromptRule
	failsafe string
	delay    time.Duration
	timer    *time.Timer
	lastTail string
	closed   bool
}

func newPromptResponder(stdin io.WriteCloser, rules []PromptRule, failsafe string, delay time.Duration) *promptResponder {
	if delay <= 0 {
		delay = 3 * time.Second
	}
	return &promptResponder{stdin: stdin, rules: rules, failsafe: failsafe, delay: delay}
}

func (r *promptResponder) observe(tail []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	// Fresh output supersedes any pending failsafe answer
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	line := lastLine(string(tail))
	if line == "" || line == r.lastTail {
		return
	}

	for _, rule := range r.rules {
		if rule.Pattern.MatchString(line) {
			r.lastTail = line
			r.answerLocked(rule.Answer)
			return
		}
	}

	if r.failsafe != "" && looksLikePrompt(line) {
		captured := line
		r.timer = time.AfterFunc(r.delay, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.closed || r.lastTail == captured {
				return
			}
			r.lastTail = captured
			r.answerLocked(r.failsafe)
		})
	}
}

func (r *promptResponder) answerLocked(answer string) {
	fmt.Fprintf(r.stdin, "%s\n", answer)
}

func (r *promptResponder) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if !r.closed {
		r.closed = true
		r.stdin.Close()
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n \t")
	if idx := strings.LastIndexAny(s, "\r\n"); idx >= 0 {
		s = s[idx+1:]
	}
	return strings.TrimSpace(s)
}

func looksLikePrompt(line string) bool {
	return strings.HasSuffix(line, "?") ||
		strings.HasSuffix(line, ":") ||
		strings.Contains(strings.ToLower(line), "[y/n]") ||
		strings.Contains(strings.ToLower(line), "(y/n)")
}
