package plan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsLinearChain(t *testing.T) {
	p := &Plan{ID: "p1", Tasks: []Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	}}
	require.NoError(t, Validate(p))
}

func TestValidateAcceptsDiamond(t *testing.T) {
	p := &Plan{ID: "p1", Tasks: []Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a"}},
		{ID: "d", Dependencies: []string{"b", "c"}},
	}}
	require.NoError(t, Validate(p))
}

func TestValidateRejectsCycle(t *testing.T) {
	p := &Plan{ID: "p1", Tasks: []Task{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}}
	err := Validate(p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	p := &Plan{ID: "p1", Tasks: []Task{
		{ID: "a", Dependencies: []string{"ghost"}},
	}}
	err := Validate(p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown task")
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	p := &Plan{ID: "p1", Tasks: []Task{
		{ID: "a", Dependencies: []string{"a"}},
	}}
	err := Validate(p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestMarshalUnmarshalRoundTrips(t *testing.T) {
	p := &Plan{
		ID:        "p1",
		ProjectID: "widgets",
		Status:    StatusReady,
		Tasks: []Task{
			{ID: "a", Title: "Do the thing", Scope: ScopeSmall},
		},
	}
	data, err := p.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
	require.Equal(t, p.Status, got.Status)
	require.Len(t, got.Tasks, 1)
	require.Equal(t, "Do the thing", got.Tasks[0].Title)
}

func TestTaskByIDFindsAndMisses(t *testing.T) {
	p := &Plan{Tasks: []Task{{ID: "a"}, {ID: "b"}}}
	require.NotNil(t, p.TaskByID("b"))
	require.Nil(t, p.TaskByID("ghost"))
}

func TestHasSession(t *testing.T) {
	t1 := Task{}
	require.False(t, t1.HasSession())
	t1.SessionID = "w-1"
	require.True(t, t1.HasSession())
}
