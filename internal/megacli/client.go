package megacli

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/provault/backend/internal/config"
)

// Exit code MEGAcmd uses for "already exists" on mkdir
const exitAlreadyExists = 54

// The export command reports "already exported" with a 64-class exit
func exportExists(code int, output string) bool {
	if code >= 63 && code <= 65 {
		return true
	}
	return strings.Contains(strings.ToLower(output), "already exported")
}

// defaultPrompts are the interactive prompts MEGAcmd is known to raise
// during logins and transfers. Unknown prompts fall through to the
// conservative failsafe answer.
var defaultPrompts = []PromptRule{
	{Pattern: regexp.MustCompile(`(?i)do you accept.*\?`), Answer: "yes"},
	{Pattern: regexp.MustCompile(`(?i)overwrite.*\?`), Answer: "y"},
	{Pattern: regexp.MustCompile(`(?i)(continue|proceed).*(\?|\[y/n\])`), Answer: "y"},
	{Pattern: regexp.MustCompile(`(?i)\[y/n\]`), Answer: "y"},
}

const promptFailsafe = "n"

// Client wraps the MEGAcmd binaries. One Client serves the whole process;
// the session it drives is a single shared resource, so callers must hold
// the session lock around any logged-in sequence.
type Client struct {
	runner         Runner
	cmdDir         string
	commandTimeout time.Duration
	stallTimeout   time.Duration
	promptTimeout  time.Duration
	maxOutput      int
}

func NewClient(cfg *config.Config) *Client {
	return NewClientWithRunner(cfg, ExecRunner{})
}

// NewClientWithRunner injects a Runner; tests pass a scripted fake
func NewClientWithRunner(cfg *config.Config, runner Runner) *Client {
	return &Client{
		runner:         runner,
		cmdDir:         cfg.MegaCmdDir,
		commandTimeout: cfg.CommandTimeout,
		stallTimeout:   cfg.StallTimeout,
		promptTimeout:  cfg.PromptTimeout,
		maxOutput:      cfg.MaxOutputBytes,
	}
}

func (c *Client) bin(command string) string {
	name := "mega-" + command
	if c.cmdDir == "" {
		return name
	}
	return filepath.Join(c.cmdDir, name)
}

func (c *Client) shortOpts() RunOptions {
	return RunOptions{
		Timeout:        c.commandTimeout,
		Prompts:        defaultPrompts,
		PromptFailsafe: promptFailsafe,
		PromptTimeout:  c.promptTimeout,
		MaxOutputBytes: c.maxOutput,
	}
}

func (c *Client) transferOpts(onProgress func(float64)) RunOptions {
	return RunOptions{
		StallTimeout:   c.stallTimeout,
		Prompts:        defaultPrompts,
		PromptFailsafe: promptFailsafe,
		PromptTimeout:  c.promptTimeout,
		MaxOutputBytes: c.maxOutput,
		OnProgress:     onProgress,
	}
}

// Login authenticates the shared session with email and password.
// An "already logged in" response is tolerated.
func (c *Client) Login(ctx context.Context, email, password string) error {
	res, err := c.runner.Run(ctx, c.bin("login"), []string{email, password}, c.shortOpts())
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}
	if strings.Contains(strings.ToLower(res.Output), "already logged in") {
		return nil
	}
	return classify("login", res)
}

// LoginSession authenticates with a stored session token
func (c *Client) LoginSession(ctx context.Context, token string) error {
	res, err := c.runner.Run(ctx, c.bin("login"), []string{token}, c.shortOpts())
	if err != nil {
		return err
	}
	if res.ExitCode == 0 || strings.Contains(strings.ToLower(res.Output), "already logged in") {
		return nil
	}
	return classify("login", res)
}

// Logout terminates the shared session. Best-effort by contract: callers
// only log failures.
func (c *Client) Logout(ctx context.Context) error {
	res, err := c.runner.Run(ctx, c.bin("logout"), nil, c.shortOpts())
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return classify("logout", res)
	}
	return nil
}

// SetProxy applies an egress proxy to the session. Must run before login.
func (c *Client) SetProxy(ctx context.Context, proxyURL string) error {
	res, err := c.runner.Run(ctx, c.bin("proxy"), []string{proxyURL}, c.shortOpts())
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return classify("proxy", res)
	}
	return nil
}

// ClearProxy removes the proxy assignment
func (c *Client) ClearProxy(ctx context.Context) error {
	res, err := c.runner.Run(ctx, c.bin("proxy"), []string{"--none"}, c.shortOpts())
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return classify("proxy", res)
	}
	return nil
}

// MkdirP ensures a remote folder exists. Exit 54 or "already exists" text
// counts as success.
func (c *Client) MkdirP(ctx context.Context, remotePath string) error {
	res, err := c.runner.Run(ctx, c.bin("mkdir"), []string{"-p", remotePath}, c.shortOpts())
	if err != nil {
		return err
	}
	if res.ExitCode == 0 || res.ExitCode == exitAlreadyExists {
		return nil
	}
	if strings.Contains(strings.ToLower(res.Output), "already exists") {
		return nil
	}
	return classify("mkdir", res)
}

// Put uploads a local file, reporting percent progress. Stalls raise
// *StallError after the watchdog kills the subprocess tree.
func (c *Client) Put(ctx context.Context, localPath, remotePath string, onProgress func(float64)) error {
	res, err := c.runner.Run(ctx, c.bin("put"), []string{localPath, remotePath}, c.transferOpts(onProgress))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return classify("put", res)
	}
	return nil
}

// Get downloads a remote file, reporting percent progress
func (c *Client) Get(ctx context.Context, remotePath, localPath string, onProgress func(float64)) error {
	res, err := c.runner.Run(ctx, c.bin("get"), []string{remotePath, localPath}, c.transferOpts(onProgress))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return classify("get", res)
	}
	return nil
}

// Export creates a public link for a remote path, falling back to fetching
// the existing link when the path is already exported.
func (c *Client) Export(ctx context.Context, remotePath string) (string, error) {
	res, err := c.runner.Run(ctx, c.bin("export"), []string{"-a", remotePath}, c.shortOpts())
	if err != nil {
		return "", err
	}
	if res.ExitCode == 0 {
		if url, ok := ParseExportURL(res.Output); ok {
			return url, nil
		}
		return "", fmt.Errorf("export succeeded but no link found in output")
	}
	if exportExists(res.ExitCode, res.Output) {
		return c.FetchExport(ctx, remotePath)
	}
	return "", classify("export", res)
}

// FetchExport reads the existing public link of an exported path
func (c *Client) FetchExport(ctx context.Context, remotePath string) (string, error) {
	res, err := c.runner.Run(ctx, c.bin("export"), []string{remotePath}, c.shortOpts())
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", classify("export", res)
	}
	url, ok := ParseExportURL(res.Output)
	if !ok {
		return "", fmt.Errorf("no export link found for %s", remotePath)
	}
	return url, nil
}

// Find lists files (kind "f") or folders (kind "d") under a remote path
func (c *Client) Find(ctx context.Context, remotePath, kind string) ([]string, error) {
	res, err := c.runner.Run(ctx, c.bin("find"), []string{remotePath, "--type=" + kind}, c.shortOpts())
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, classify("find", res)
	}
	return ParseListing(res.Output), nil
}

// Df reports account usage as (used, total) bytes
func (c *Client) Df(ctx context.Context) (int64, int64, error) {
	res, err := c.runner.Run(ctx, c.bin("df"), []string{"-h"}, c.shortOpts())
	if err != nil {
		return 0, 0, err
	}
	if res.ExitCode != 0 {
		return 0, 0, classify("df", res)
	}
	used, total, ok := ParseUsage(res.Output)
	if !ok {
		return 0, 0, fmt.Errorf("unparseable df output")
	}
	return used, total, nil
}

// Du reports the size of a remote folder, used as a fallback when df
// output cannot be parsed.
func (c *Client) Du(ctx context.Context, remotePath string) (int64, error) {
	res, err := c.runner.Run(ctx, c.bin("du"), []string{"-h", remotePath}, c.shortOpts())
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, classify("du", res)
	}
	size, ok := ParseFolderSize(res.Output)
	if !ok {
		return 0, fmt.Errorf("unparseable du output")
	}
	return size, nil
}

// Ls lists the entries of a remote folder
func (c *Client) Ls(ctx context.Context, remotePath string) ([]string, error) {
	res, err := c.runner.Run(ctx, c.bin("ls"), []string{remotePath}, c.shortOpts())
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, classify("ls", res)
	}
	return ParseListing(res.Output), nil
}

// Rm deletes remote content recursively
func (c *Client) Rm(ctx context.Context, remotePath string) error {
	res, err := c.runner.Run(ctx, c.bin("rm"), []string{"-rf", remotePath}, c.shortOpts())
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return classify("rm", res)
	}
	return nil
}
