package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/erpsync/internal/job"
	"github.com/relaypoint/erpsync/internal/module"
)

// writeTestConfig writes a config file with a database under dir and returns
// its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("database: %s\ntenant: t1\n", filepath.Join(dir, "sync.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCommand(t, NewRootCommand(), args...)
}

func executeCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "queue", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestEnqueueAndList(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := execute(t, "--config", cfg, "enqueue",
		"--module", "catalog", "--entity", "product",
		"--action", "create", "--local-id", "42",
		"--payload", `{"name":"widget"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued job 1")

	out, err = execute(t, "--config", cfg, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "catalog")
	assert.Contains(t, out, "pending")
}

func TestEnqueue_Idempotent(t *testing.T) {
	cfg := writeTestConfig(t)
	args := []string{"--config", cfg, "enqueue",
		"--module", "catalog", "--entity", "product",
		"--action", "create", "--local-id", "42"}

	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued job 1")

	// The duplicate collapses to the existing pending job.
	out, err = execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued job 1")
}

func TestEnqueue_InvalidAction(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := execute(t, "--config", cfg, "enqueue",
		"--module", "catalog", "--entity", "product", "--action", "upsert")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestQueueRetry_NoMatch(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := execute(t, "--config", cfg, "queue", "retry", "99")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestQueueRequeueStale(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := execute(t, "--config", cfg, "queue", "requeue-stale", "--older-than", "1s")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued 0")
}

func TestBreakerStatus_AllClosed(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := execute(t, "--config", cfg, "breaker", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "all circuits closed")
}

func TestBreakerReset_NoState(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := execute(t, "--config", cfg, "breaker", "reset", "crm")
	require.NoError(t, err)
	assert.Contains(t, out, "breaker reset for crm")
}

func TestRun_EmptyRegistryDefersJobs(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := execute(t, "--config", cfg, "enqueue",
		"--module", "catalog", "--entity", "product",
		"--action", "create", "--local-id", "42")
	require.NoError(t, err)

	// No handler registered: the job defers and the pass completes nothing.
	out, err := execute(t, "--config", cfg, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "completed 0 job(s)")

	out, err = execute(t, "--config", cfg, "queue", "list", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "catalog")
}

type cliStubHandler struct{}

func (cliStubHandler) Name() string { return "catalog" }

func (cliStubHandler) Push(ctx context.Context, req module.Request) job.Outcome {
	return job.Outcome{OK: true, RemoteID: 1000 + req.LocalID}
}

func (cliStubHandler) Pull(ctx context.Context, req module.Request) job.Outcome {
	return job.Success()
}

func TestRun_InjectedRegistry(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := execute(t, "--config", cfg, "enqueue",
		"--module", "catalog", "--entity", "product",
		"--action", "create", "--local-id", "42")
	require.NoError(t, err)

	registry := module.NewRegistry()
	require.NoError(t, registry.Register(cliStubHandler{}))

	rootOpts := &RootOptions{Format: "text", ConfigPath: cfg}
	cmd := NewRunCommandWithOptions(&RunOptions{RootOptions: rootOpts, Registry: registry})

	out, err := executeCommand(t, cmd)
	require.NoError(t, err)
	assert.Contains(t, out, "completed 1 job(s)")
}

func TestRun_DryRunLeavesQueueUntouched(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := execute(t, "--config", cfg, "enqueue",
		"--module", "catalog", "--entity", "product",
		"--action", "create", "--local-id", "42")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfg, "run", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "dry run")

	out, err = execute(t, "--config", cfg, "queue", "list", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "catalog")
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.cue"), []byte(`
profile: catalog: product: {
	remote_model: "product.product"
	fields: name: {remote: "name", required: true}
}
`), 0o644))

	out, err := execute(t, "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "1 profile(s) valid")
}

func TestValidate_Findings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.cue"), []byte(`
profile: catalog: product: {
	remote_model: "product.product"
	fields: {}
}
`), 0o644))

	out, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "at least one field mapping")
}

func TestValidate_MissingDir(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
