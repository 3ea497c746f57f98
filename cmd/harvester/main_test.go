package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/quota-harvester/internal/checkpoint"
)

func writeConfig(t *testing.T) (configPath, checkpointDir string) {
	t.Helper()
	dir := t.TempDir()
	checkpointDir = filepath.Join(dir, "cron")
	configPath = filepath.Join(dir, "config.yaml")

	content := `
app:
  name: quota-harvester
logging:
  level: debug
  format: json
  output: ` + filepath.Join(dir, "harvester.log") + `
checkpoint:
  backend: file
  directory: ` + checkpointDir + `
rate_limit:
  routes:
    match:
      - limit: 20
        window: 1s
      - limit: 100
        window: 2m
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	t.Setenv("HARVEST_CHECKPOINT_DIR", "")
	return configPath, checkpointDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	cmd := newRootCmd(a)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)

	err := cmd.Execute()
	require.NoError(t, a.close())
	return out.String(), err
}

func TestRoutesCommand(t *testing.T) {
	configPath, _ := writeConfig(t)

	out, err := execute(t, "--config", configPath, "routes")
	require.NoError(t, err)

	assert.Contains(t, out, "match")
	assert.Contains(t, out, "20/1s, 100/2m0s")
	assert.Contains(t, out, "(default)")
	assert.Contains(t, out, "100/1m0s")
}

func TestStopAndStatusCommands(t *testing.T) {
	configPath, checkpointDir := writeConfig(t)

	out, err := execute(t, "--config", configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no jobs in progress")

	store, err := checkpoint.NewFileStore(checkpointDir)
	require.NoError(t, err)
	require.NoError(t, store.WriteProgress(context.Background(), "riot:backfill-until-done", checkpoint.Update{
		PID:     4242,
		Phase:   "round",
		Metrics: checkpoint.Metrics{"round": 1},
	}))

	out, err = execute(t, "--config", configPath, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "stop requested for riot:backfill-until-done")
	assert.True(t, store.IsStopRequested(context.Background(), "riot:backfill-until-done"))

	out, err = execute(t, "--config", configPath, "status", "riot:backfill-until-done")
	require.NoError(t, err)

	var status struct {
		JobID         string `json:"job_id"`
		PID           int    `json:"pid"`
		Status        string `json:"status"`
		StopRequested bool   `json:"stop_requested"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "riot:backfill-until-done", status.JobID)
	assert.Equal(t, 4242, status.PID)
	assert.Equal(t, "STOPPING", status.Status)
	assert.True(t, status.StopRequested)

	out, err = execute(t, "--config", configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "riot:backfill-until-done")
	assert.Contains(t, out, "STOPPING")

	_, err = execute(t, "--config", configPath, "status", "nightly")
	assert.ErrorContains(t, err, "job not found")
}

func TestRunValidatesConfig(t *testing.T) {
	configPath, _ := writeConfig(t)
	t.Setenv("HARVEST_API_KEY", "")

	_, err := execute(t, "--config", configPath, "run", "--rank-limit", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "routes")
	assert.ErrorContains(t, err, "failed to load config")
}
