package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listOnly struct {
	Engine
	machines []Machine
	err      error
}

func (l *listOnly) List(context.Context) ([]Machine, error) {
	return l.machines, l.err
}

func TestParseState(t *testing.T) {
	cases := map[string]State{
		"running":    StateRunning,
		"RUNNING":    StateRunning,
		" running\n": StateRunning,
		"stopped":    StateStopped,
		"exited":     StateStopped,
		"created":    StateStopped,
		"TERMINATED": StateStopped,
		"suspended":  StateUnknown,
		"mounted":    StateUnknown,
		"":           StateUnknown,
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, ParseState(in))
		})
	}
}

func TestNames_FiltersByPrefix(t *testing.T) {
	e := &listOnly{machines: []Machine{
		{Name: "travis-2"},
		{Name: "other-1"},
		{Name: "travis-1"},
		{Name: "xtravis-3"},
	}}

	names, err := Names(context.Background(), e, "travis-")
	require.NoError(t, err)
	assert.Equal(t, []string{"travis-1", "travis-2"}, names)

	count, err := Count(context.Background(), e, "travis-")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNames_EmptyPrefixMatchesAll(t *testing.T) {
	e := &listOnly{machines: []Machine{{Name: "b"}, {Name: "a"}}}

	names, err := Names(context.Background(), e, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestNames_ListError(t *testing.T) {
	e := &listOnly{err: errors.New("vzlist: permission denied")}

	_, err := Count(context.Background(), e, "travis-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}
