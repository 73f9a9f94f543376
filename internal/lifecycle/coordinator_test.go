package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunsStagesInOrder(t *testing.T) {
	var order []string
	c := New(nil, ShutdownBudget{Total: time.Second})

	stages := []Stage{
		{Name: "clock", Start: func(ctx context.Context) error { order = append(order, "clock"); return nil }},
		{Name: "registry", Start: func(ctx context.Context) error { order = append(order, "registry"); return nil }},
	}
	require.NoError(t, c.Start(context.Background(), stages))
	assert.Equal(t, []string{"clock", "registry"}, order)
}

func TestStartUnwindsOnFailure(t *testing.T) {
	var stopped []string
	c := New(nil, ShutdownBudget{Total: time.Second})

	stages := []Stage{
		{Name: "clock", Start: func(ctx context.Context) error { return nil }, Stop: func(ctx context.Context) error {
			stopped = append(stopped, "clock")
			return nil
		}},
		{Name: "registry", Start: func(ctx context.Context) error { return errors.New("boom") }},
	}
	err := c.Start(context.Background(), stages)
	require.Error(t, err)
	assert.Equal(t, []string{"clock"}, stopped)
}

func TestShutdownStopsStartedStagesInReverseOrder(t *testing.T) {
	var stopped []string
	c := New(nil, ShutdownBudget{Total: time.Second})

	stages := []Stage{
		{Name: "a", Start: func(ctx context.Context) error { return nil }, Stop: func(ctx context.Context) error {
			stopped = append(stopped, "a")
			return nil
		}},
		{Name: "b", Start: func(ctx context.Context) error { return nil }, Stop: func(ctx context.Context) error {
			stopped = append(stopped, "b")
			return nil
		}},
	}
	require.NoError(t, c.Start(context.Background(), stages))
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"b", "a"}, stopped)
}

func TestProbesDefaultTrueWhenUnset(t *testing.T) {
	c := New(nil, ShutdownBudget{Total: time.Second})
	assert.True(t, c.Livez())
	assert.True(t, c.Readyz())
	assert.True(t, c.Startupz())
}

func TestProbesReflectRegisteredFunctions(t *testing.T) {
	c := New(nil, ShutdownBudget{Total: time.Second})
	c.SetProbes(func() bool { return true }, func() bool { return false }, func() bool { return true })
	assert.True(t, c.Livez())
	assert.False(t, c.Readyz())
	assert.True(t, c.Startupz())
}

func TestShutdownBudgetSplitSumsToTotal(t *testing.T) {
	b := ShutdownBudget{Total: 10 * time.Second}
	drain, finish, flush := b.Split()
	assert.Equal(t, b.Total, drain+finish+flush)
}
