package registry

import (
	"testing"

	"github.com/cagehq/cage/pkg/cageerr"
	"github.com/stretchr/testify/require"
)

func TestCreateAgentRejectsUnknownRole(t *testing.T) {
	r := New()
	_, err := r.CreateAgent("bot", Role("sorcerer"), nil)
	require.Error(t, err)
	kind, _ := cageerr.KindOf(err)
	require.Equal(t, cageerr.SelectorInvalid, kind)
}

func TestCreateAgentThenGetRoundTrips(t *testing.T) {
	r := New()
	a, err := r.CreateAgent("planner-bot", RolePlanner, map[string]any{"model": "x"})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)

	loaded, err := r.GetAgent(a.ID)
	require.NoError(t, err)
	require.Equal(t, "planner-bot", loaded.Name)
}

func TestGetAgentMissingIsNotFound(t *testing.T) {
	r := New()
	_, err := r.GetAgent("nope")
	require.Error(t, err)
	kind, _ := cageerr.KindOf(err)
	require.Equal(t, cageerr.NotFound, kind)
}

func TestCreateCrewRejectsEmptyRoles(t *testing.T) {
	r := New()
	_, err := r.CreateCrew("solo", map[Role]string{}, nil)
	require.Error(t, err)
	kind, _ := cageerr.KindOf(err)
	require.Equal(t, cageerr.SelectorInvalid, kind)
}

func TestCreateCrewRejectsUnknownAgentID(t *testing.T) {
	r := New()
	_, err := r.CreateCrew("solo", map[Role]string{RolePlanner: "ghost"}, nil)
	require.Error(t, err)
	kind, _ := cageerr.KindOf(err)
	require.Equal(t, cageerr.NotFound, kind)
}

func TestCreateCrewThenGetRoundTrips(t *testing.T) {
	r := New()
	planner, err := r.CreateAgent("planner-bot", RolePlanner, nil)
	require.NoError(t, err)
	reviewer, err := r.CreateAgent("reviewer-bot", RoleReviewer, nil)
	require.NoError(t, err)

	c, err := r.CreateCrew("demo-crew", map[Role]string{
		RolePlanner:  planner.ID,
		RoleReviewer: reviewer.ID,
	}, []string{"backend"})
	require.NoError(t, err)

	loaded, err := r.GetCrew(c.ID)
	require.NoError(t, err)
	require.Equal(t, "demo-crew", loaded.Name)
	require.Equal(t, planner.ID, loaded.Roles[RolePlanner])
}

func TestListAgentsAndCrewsAreSortedByID(t *testing.T) {
	r := New()
	_, err := r.CreateAgent("a", RolePlanner, nil)
	require.NoError(t, err)
	_, err = r.CreateAgent("b", RoleReviewer, nil)
	require.NoError(t, err)

	agents := r.ListAgents()
	require.Len(t, agents, 2)
	require.True(t, agents[0].ID < agents[1].ID)

	crews := r.ListCrews()
	require.Empty(t, crews)
}
