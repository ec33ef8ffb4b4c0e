package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	archivememory "github.com/ytwei72/TradingAgents-CN-sub000/internal/archive/memory"
	busmemory "github.com/ytwei72/TradingAgents-CN-sub000/internal/bus/memory"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/plan"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/producer"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/router"
	storagememory "github.com/ytwei72/TradingAgents-CN-sub000/internal/storage/memory"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixture struct {
	registry *Registry
	producer *producer.Producer
	repo     *storagememory.StepStore
	archiver *archivememory.Archiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := fixedClock{now: time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)}
	engine := busmemory.New(nil)
	require.NoError(t, engine.Connect(context.Background()))
	r := router.New(engine, clk, nil)
	repo := storagememory.NewStepStore()
	archiver := archivememory.New()
	prod := producer.New(r, clk, nil)

	reg, err := New(Config{
		Router:      r,
		Clock:       clk,
		Repo:        repo,
		Broadcaster: prod,
		Archiver:    archiver,
	})
	require.NoError(t, err)
	return &fixture{registry: reg, producer: prod, repo: repo, archiver: archiver}
}

func smallPlan() []plan.Step {
	return []plan.Step{
		{Index: 0, Name: "market_analyst", DisplayName: "Market Analyst", Phase: plan.PhaseAnalyst},
		{Index: 1, Name: "trader", DisplayName: "Trader", Phase: plan.PhaseTrading},
	}
}

func TestRegisterRoutesModuleEventsToTracker(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.registry.Register(ctx, "a1", smallPlan(), WithStockSymbol("AAPL"))
	require.NoError(t, err)

	delivered := f.producer.PublishModuleStart(ctx, message.ModuleEvent{
		AnalysisID: "a1",
		ModuleName: "market_analyst",
		StepIndex:  -1,
	})
	require.True(t, delivered)

	// The in-process engine delivers synchronously.
	require.Equal(t, message.StatusRunning, tr.Status())
	require.Equal(t, 0, tr.CurrentStep().Step.Index)
}

func TestRegisterScopesSubscriptionToJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.registry.Register(ctx, "a1", smallPlan())
	require.NoError(t, err)

	require.True(t, f.producer.PublishModuleStart(ctx, message.ModuleEvent{
		AnalysisID: "other",
		ModuleName: "market_analyst",
		StepIndex:  -1,
	}))
	require.Equal(t, message.StatusPending, tr.Status())
}

func TestRegisterDuplicateFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, "a1", smallPlan())
	require.NoError(t, err)
	_, err = f.registry.Register(ctx, "a1", smallPlan())
	require.Error(t, err)
	require.Equal(t, 1, f.registry.Len())
}

func TestLookupMissIsNormal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, ok := f.registry.Lookup("nope")
	require.False(t, ok)
}

func TestControlOpsWrapErrUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.registry.Pause(ctx, "nope"), ErrUnknownJob)
	require.ErrorIs(t, f.registry.Resume(ctx, "nope"), ErrUnknownJob)
	require.ErrorIs(t, f.registry.Stop(ctx, "nope"), ErrUnknownJob)
	require.ErrorIs(t, f.registry.Unregister(ctx, "nope"), ErrUnknownJob)
}

func TestControlOpsDelegateToTracker(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, "a1", smallPlan())
	require.NoError(t, err)

	require.True(t, f.producer.PublishModuleStart(ctx, message.ModuleEvent{
		AnalysisID: "a1",
		ModuleName: "market_analyst",
		StepIndex:  -1,
	}))

	require.NoError(t, f.registry.Pause(ctx, "a1"))
	require.NoError(t, f.registry.Resume(ctx, "a1"))
	require.NoError(t, f.registry.Stop(ctx, "a1"))

	tr, ok := f.registry.Lookup("a1")
	require.True(t, ok)
	require.Equal(t, message.StatusStopped, tr.Status())
}

func TestUnregisterArchivesAndFrees(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.registry.Register(ctx, "a1", smallPlan())
	require.NoError(t, err)

	require.True(t, f.producer.PublishModuleStart(ctx, message.ModuleEvent{
		AnalysisID: "a1",
		ModuleName: "market_analyst",
		StepIndex:  -1,
	}))
	require.True(t, f.producer.PublishModuleComplete(ctx, message.ModuleEvent{
		AnalysisID: "a1",
		ModuleName: "market_analyst",
		Duration:   3.0,
		StepIndex:  -1,
	}))

	require.NoError(t, f.registry.Unregister(ctx, "a1"))
	_, ok := f.registry.Lookup("a1")
	require.False(t, ok)

	// Store rows are gone.
	_, err = f.repo.GetTask(ctx, "a1")
	require.ErrorIs(t, err, store.ErrNotFound)

	// The final history artifact exists and carries the step outcome.
	require.Equal(t, 1, f.archiver.Len())
	data, found := f.archiver.Get("analyses/a1/history-20250502T100000Z.json")
	require.True(t, found)

	var artifact struct {
		Snapshot struct {
			Status message.TaskStatus `json:"status"`
		} `json:"snapshot"`
		Steps []struct {
			Record store.StepRecord `json:"record"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(data, &artifact))
	require.Len(t, artifact.Steps, 2)
	require.Equal(t, store.StepCompleted, artifact.Steps[0].Record.Status)

	// Subscriptions are gone: further events touch nothing.
	require.True(t, f.producer.PublishModuleStart(ctx, message.ModuleEvent{
		AnalysisID: "a1",
		ModuleName: "trader",
		StepIndex:  -1,
	}))
	require.Equal(t, store.StepPending, tr.History()[1].Record.Status)
}

func TestRegisterRebuildsFromStore(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, "a1", smallPlan())
	require.NoError(t, err)

	require.True(t, f.producer.PublishModuleStart(ctx, message.ModuleEvent{
		AnalysisID: "a1",
		ModuleName: "market_analyst",
		StepIndex:  -1,
	}))
	require.True(t, f.producer.PublishModuleComplete(ctx, message.ModuleEvent{
		AnalysisID: "a1",
		ModuleName: "market_analyst",
		Duration:   2.0,
		StepIndex:  -1,
	}))

	// Simulate a restart: drop the live tracker but keep the store.
	f.registry.Close(ctx)
	require.Equal(t, 0, f.registry.Len())

	rebuilt, err := f.registry.Register(ctx, "a1", smallPlan())
	require.NoError(t, err)
	require.Equal(t, message.StatusRunning, rebuilt.Status())
	require.Equal(t, store.StepCompleted, rebuilt.History()[0].Record.Status)
	require.Greater(t, rebuilt.Snapshot().ProgressPercentage, 0.0)
}
