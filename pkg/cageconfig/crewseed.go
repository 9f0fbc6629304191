package cageconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cagehq/cage/pkg/constants"
	"github.com/cagehq/cage/pkg/registry"
	"github.com/goccy/go-yaml"
)

// seedFile is the on-disk shape of .cage/crew.yaml: a static list of agents
// and crews an operator wants registered on every `cage serve` start, so
// they don't have to replay agent_create/crew_create calls after a restart.
type seedFile struct {
	Agents []seedAgent `yaml:"agents"`
	Crews  []seedCrew  `yaml:"crews"`
}

type seedAgent struct {
	ID     string         `yaml:"id"`
	Name   string         `yaml:"name"`
	Role   string         `yaml:"role"`
	Config map[string]any `yaml:"config"`
}

type seedCrew struct {
	Name   string            `yaml:"name"`
	Roles  map[string]string `yaml:"roles"`
	Labels []string          `yaml:"labels"`
}

// SeedRegistry loads repoRoot/.cage/crew.yaml, if present, and registers its
// agents and crews with reg. The registry assigns every seeded agent a fresh
// id; an agent entry's id field is parsed but not used, so ids do not stay
// fixed across restarts. Each crew role value is first looked up as the name
// of a registered agent and, when no agent has that name, used as an agent id
// as written.
func SeedRegistry(repoRoot string, reg *registry.Registry) error {
	path := filepath.Join(repoRoot, constants.ControlDir, constants.CrewConfigFile)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, a := range seed.Agents {
		if _, err := reg.CreateAgent(a.Name, registry.Role(a.Role), a.Config); err != nil {
			return fmt.Errorf("seeding agent %q: %w", a.Name, err)
		}
	}

	byName := map[string]string{}
	for _, a := range reg.ListAgents() {
		byName[a.Name] = a.ID
	}

	for _, c := range seed.Crews {
		roles := make(map[registry.Role]string, len(c.Roles))
		for role, agentRef := range c.Roles {
			id := agentRef
			if resolved, ok := byName[agentRef]; ok {
				id = resolved
			}
			roles[registry.Role(role)] = id
		}
		if _, err := reg.CreateCrew(c.Name, roles, c.Labels); err != nil {
			return fmt.Errorf("seeding crew %q: %w", c.Name, err)
		}
	}

	return nil
}
