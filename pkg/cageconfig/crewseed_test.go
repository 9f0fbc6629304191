package cageconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cagehq/cage/pkg/constants"
	"github.com/cagehq/cage/pkg/registry"
	"github.com/stretchr/testify/require"
)

func TestSeedRegistryNoOpWithoutCrewFile(t *testing.T) {
	reg := registry.New()
	require.NoError(t, SeedRegistry(t.TempDir(), reg))
	require.Empty(t, reg.ListAgents())
}

func TestSeedRegistryLoadsAgentsAndCrews(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, constants.ControlDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	content := `
agents:
  - name: planner-bot
    role: planner
  - name: reviewer-bot
    role: reviewer
crews:
  - name: demo-crew
    roles:
      planner: planner-bot
      reviewer: reviewer-bot
    labels: ["backend"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, constants.CrewConfigFile), []byte(content), 0o644))

	reg := registry.New()
	require.NoError(t, SeedRegistry(root, reg))

	agents := reg.ListAgents()
	require.Len(t, agents, 2)

	crews := reg.ListCrews()
	require.Len(t, crews, 1)
	require.Equal(t, "demo-crew", crews[0].Name)
	require.Equal(t, []string{"backend"}, crews[0].Labels)
}

func TestSeedRegistryRejectsUnknownRole(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, constants.ControlDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "agents:\n  - name: bot\n    role: sorcerer\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, constants.CrewConfigFile), []byte(content), 0o644))

	reg := registry.New()
	require.Error(t, SeedRegistry(root, reg))
}
