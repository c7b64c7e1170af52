package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/dagmc/store"
)

const model = `
nodes:
  - {name: mu, dist: normal, params: [0, 5], init: 0}
  - {name: sigma, dist: exponential, params: [1], init: 1}
  - {name: y, dist: normal, params: [mu, sigma], observed: [0.4, 0.6, 0.5]}
moves:
  - {type: mh, name: slide-mu, kernel: slide, nodes: [mu]}
  - type: correlated
    primary: {kernel: scale, nodes: [sigma]}
    dragging: [{ref: slide-mu}]
    steps: 2
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(model), 0o600))
	return path
}

var runIDPattern = regexp.MustCompile(`run (\S+) finished`)

func TestRunWithoutStore(t *testing.T) {
	out, err := execute(t, writeModel(t), "-n", "60", "--burnin", "20", "--chains", "2", "--log-level", "error")
	require.NoError(t, err)
	assert.Regexp(t, runIDPattern, out)
	assert.Contains(t, out, "slide-mu")
	assert.Contains(t, out, "correlated(scale(sigma))")
}

func TestRunStoreAndResume(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeModel(t)

	out, err := execute(t, modelPath, "-n", "40", "--burnin", "0", "--sample-every", "10", "--store", dir, "--log-level", "error")
	require.NoError(t, err)
	m := runIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2)
	runID := m[1]

	out, err = execute(t, "-n", "60", "--burnin", "0", "--sample-every", "10", "--store", dir, "--resume", runID, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "run "+runID+" finished")

	db, err := store.Open(store.DefaultConfig(dir))
	require.NoError(t, err)
	defer db.Close()
	s := store.NewSampleStore(db)
	samples, err := s.Samples(runID, 0)
	require.NoError(t, err)
	require.Len(t, samples, 6)
	assert.Equal(t, 60, samples[5].Generation)

	_, gen, err := s.LoadCheckpoint(runID, 0)
	require.NoError(t, err)
	assert.Equal(t, 60, gen)
}

func TestRunErrors(t *testing.T) {
	_, err := execute(t, "--log-level", "error")
	assert.ErrorContains(t, err, "no model")

	_, err = execute(t, writeModel(t), "--resume", "abc")
	assert.ErrorContains(t, err, "needs a store")

	_, err = execute(t, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = execute(t, writeModel(t), "--chains", "0")
	assert.Error(t, err)
}
