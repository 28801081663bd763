package toolctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/memory"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	store, err := memory.NewStore(memory.StoreConfig{
		Encoder:  memory.NewHashEncoder(32),
		SpillDir: t.TempDir(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	base := agents.NewBaseAgent(agents.Config{
		Name:   "toolctl",
		Kind:   "toolctl",
		Store:  store,
		Logger: zerolog.Nop(),
	})
	return NewAgent(base)
}

func okHandler(result any) Handler {
	return func(_ context.Context, _ map[string]any) (any, error) {
		return result, nil
	}
}

func TestLoadSpecsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - name: snapshot-fetch
    category: data_collection
    priority: 4
    command: scraper.snapshot
  - name: rsi-scan
    category: analysis
    priority: 3
    command: indicators.rsi
    depends: [snapshot-fetch]
    parameters:
      period: int
`), 0o644))

	specs, err := LoadSpecs(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "snapshot-fetch", specs[0].Name)
	assert.Equal(t, CategoryAnalysis, specs[1].Category)
	assert.Equal(t, []string{"snapshot-fetch"}, specs[1].Depends)
	assert.Equal(t, "int", specs[1].Parameters["period"])
}

func TestLoadSpecsRejectsBadCategory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - name: mystery
    category: wizardry
    priority: 3
`), 0o644))

	_, err := LoadSpecs(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown category")
}

func TestRegisterAndExecute(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Register(Spec{
		Name: "echo", Category: CategoryUtility, Priority: 2,
	}, func(_ context.Context, params map[string]any) (any, error) {
		return params["value"], nil
	}))

	result, err := a.Execute(context.Background(), "echo", map[string]any{"value": 42}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestExecuteUnknownTool(t *testing.T) {
	a := newTestAgent(t)
	_, err := a.Execute(context.Background(), "ghost", nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestExecuteTimeout(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Register(Spec{
		Name: "slow", Category: CategoryUtility, Priority: 1,
	}, func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Minute):
			return "done", nil
		}
	}))

	start := time.Now()
	_, err := a.Execute(context.Background(), "slow", nil, 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInitializeChecksDependencies(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Register(Spec{
		Name: "dependent", Category: CategoryAnalysis, Priority: 3, Depends: []string{"missing"},
	}, okHandler(nil)))

	err := a.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered tool")

	require.NoError(t, a.Register(Spec{
		Name: "missing", Category: CategoryUtility, Priority: 1,
	}, okHandler(nil)))
	assert.NoError(t, a.Initialize(context.Background()))
}

func TestRecommendRanksByReliability(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, a.Register(Spec{Name: "flaky", Category: CategoryAnalysis, Priority: 3}, func(_ context.Context, p map[string]any) (any, error) {
		if fail, _ := p["fail"].(bool); fail {
			return nil, errors.New("boom")
		}
		return nil, nil
	}))
	require.NoError(t, a.Register(Spec{Name: "steady", Category: CategoryAnalysis, Priority: 3}, okHandler(nil)))

	for i := 0; i < 10; i++ {
		_, _ = a.Execute(ctx, "flaky", map[string]any{"fail": i%2 == 0}, time.Second)
		_, err := a.Execute(ctx, "steady", nil, time.Second)
		require.NoError(t, err)
	}

	ranked := a.Recommend(CategoryAnalysis, 0)
	require.Len(t, ranked, 2)
	assert.Equal(t, "steady", ranked[0])
}

func TestRecommendFilters(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Register(Spec{Name: "low", Category: CategoryUtility, Priority: 1}, okHandler(nil)))
	require.NoError(t, a.Register(Spec{Name: "high", Category: CategoryUtility, Priority: 5}, okHandler(nil)))
	require.NoError(t, a.Register(Spec{Name: "other", Category: CategoryMonitoring, Priority: 5}, okHandler(nil)))

	assert.Equal(t, []string{"high"}, a.Recommend(CategoryUtility, 3))
	assert.ElementsMatch(t, []string{"low", "high", "other"}, a.Recommend("", 0))
}

func TestMaintenanceFlagging(t *testing.T) {
	a := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, a.Register(Spec{Name: "broken", Category: CategoryExecution, Priority: 3}, func(_ context.Context, _ map[string]any) (any, error) {
		return nil, errors.New("always fails")
	}))

	for i := 0; i < 10; i++ {
		_, _ = a.Execute(ctx, "broken", nil, time.Second)
	}

	assert.Equal(t, []string{"broken"}, a.NeedsMaintenance())

	var flagged bool
	for _, rec := range a.Store().Scan(20) {
		if rec.ContentType() == memory.ContentErrorPattern {
			flagged = true
			assert.Equal(t, "broken", rec.Metadata["tool"])
		}
	}
	assert.True(t, flagged, "maintenance flag memorized")
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Register(Spec{Name: "once", Category: CategoryUtility, Priority: 1}, okHandler(nil)))
	err := a.Register(Spec{Name: "once", Category: CategoryUtility, Priority: 1}, okHandler(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}
