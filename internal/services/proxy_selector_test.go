package services

import (
	"context"
	"testing"

	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxySelectorEmptyPool(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyPool = nil
	runner := &fakeRunner{}
	sel := NewProxySelector(cfg, newTestClient(cfg, runner))

	err := sel.Login(context.Background(), models.RoleMain, "a@example.com", "pw")
	require.ErrorIs(t, err, megacli.ErrNoProxy)
	assert.Zero(t, runner.commandCalls("login"), "no login may be attempted without a proxy")
}

func TestProxySelectorRotatesOnDenial(t *testing.T) {
	cfg := testConfig()
	runner := &fakeRunner{}
	var proxiesSeen []string
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		switch command {
		case "proxy":
			proxiesSeen = append(proxiesSeen, args[0])
			return megacli.Result{ExitCode: 0}, nil
		case "login":
			// First proxy is denied, second succeeds.
			if len(proxiesSeen) == 1 {
				return megacli.Result{ExitCode: 1, Output: "Login failed: access denied"}, nil
			}
			return megacli.Result{ExitCode: 0}, nil
		}
		return megacli.Result{ExitCode: 0}, nil
	}
	sel := NewProxySelector(cfg, newTestClient(cfg, runner))

	err := sel.Login(context.Background(), models.RoleMain, "a@example.com", "pw")
	require.NoError(t, err)
	require.Equal(t, []string{"http://proxy-a:3128", "http://proxy-b:3128"}, proxiesSeen)

	// The successful proxy sticks for the role.
	proxy, err := sel.candidate(models.RoleMain)
	require.NoError(t, err)
	assert.Equal(t, "http://proxy-b:3128", proxy)
}

func TestProxySelectorAllProxiesDenied(t *testing.T) {
	cfg := testConfig()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "login" {
			return megacli.Result{ExitCode: 1, Output: "Login failed: blocked"}, nil
		}
		return megacli.Result{ExitCode: 0}, nil
	}
	sel := NewProxySelector(cfg, newTestClient(cfg, runner))

	err := sel.Login(context.Background(), models.RoleMain, "a@example.com", "pw")
	require.Error(t, err)
	assert.ErrorIs(t, err, megacli.ErrLoginDenied)
	// Attempts are capped by the pool size.
	assert.Equal(t, 2, runner.commandCalls("login"))
}

func TestProxySelectorStickyPerRole(t *testing.T) {
	cfg := testConfig()
	runner := &fakeRunner{}
	sel := NewProxySelector(cfg, newTestClient(cfg, runner))

	require.NoError(t, sel.Login(context.Background(), models.RoleMain, "a@example.com", "pw"))
	require.NoError(t, sel.Login(context.Background(), models.RoleBackup, "b@example.com", "pw"))

	mainProxy, err := sel.candidate(models.RoleMain)
	require.NoError(t, err)
	backupProxy, err := sel.candidate(models.RoleBackup)
	require.NoError(t, err)
	assert.NotEqual(t, mainProxy, backupProxy, "roles must not share a sticky proxy from one round-robin slot")

	// A repeat login for the same role reuses the sticky proxy.
	require.NoError(t, sel.Login(context.Background(), models.RoleMain, "a@example.com", "pw"))
	again, err := sel.candidate(models.RoleMain)
	require.NoError(t, err)
	assert.Equal(t, mainProxy, again)
}

func TestProxySelectorSkipsReapplyingStickyProxy(t *testing.T) {
	cfg := testConfig()
	runner := &fakeRunner{}
	sel := NewProxySelector(cfg, newTestClient(cfg, runner))

	require.NoError(t, sel.Login(context.Background(), models.RoleMain, "a@example.com", "pw"))
	require.NoError(t, sel.Login(context.Background(), models.RoleMain, "a@example.com", "pw"))

	// The sticky proxy is already set on the session; the repeat login
	// must not spend a command reapplying it.
	assert.Equal(t, 2, runner.commandCalls("login"))
	assert.Equal(t, 1, runner.commandCalls("proxy"))
}

func TestProxySelectorRecordBytesThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.RotationByteLimit = 100
	runner := &fakeRunner{}
	sel := NewProxySelector(cfg, newTestClient(cfg, runner))

	assert.False(t, sel.RecordBytes(models.RoleMain, 40))
	assert.False(t, sel.RecordBytes(models.RoleMain, 40))
	assert.True(t, sel.RecordBytes(models.RoleMain, 40), "cumulative bytes crossed the limit")

	// Rotation resets the counter.
	sel.Rotate(models.RoleMain)
	assert.False(t, sel.RecordBytes(models.RoleMain, 40))
}
