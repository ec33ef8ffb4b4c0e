package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	busmemory "github.com/ytwei72/TradingAgents-CN-sub000/internal/bus/memory"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/clock/system"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/id/uuid"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/plan"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/producer"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/registry"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/router"
	"github.com/ytwei72/TradingAgents-CN-sub000/internal/tracker"
)

type simulateOptions struct {
	symbol   string
	analysts []string
	depth    int
	interval time.Duration
}

// newSimulateCmd wires the scripted end-to-end replay. It drives a full
// analysis through the in-memory bus so the derived snapshots can be
// inspected without a pipeline, a broker, or a database.
func newSimulateCmd() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replays a scripted analysis through the in-memory stack",
		Long: `Builds an analysis plan, registers it with an in-memory registry, and
publishes a module start/complete pair for every planned step. The derived
progress snapshot is printed after each step completes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulateCommand(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.symbol, "symbol", "AAPL", "stock symbol under analysis")
	cmd.Flags().StringSliceVar(&opts.analysts, "analysts", nil,
		"analyst modules to include (defaults to the full roster)")
	cmd.Flags().IntVar(&opts.depth, "depth", 1, "research depth, controls debate rounds (1..3)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 200*time.Millisecond,
		"simulated duration of each step")
	return cmd
}

func runSimulateCommand(ctx context.Context, opts simulateOptions) error {
	steps, err := plan.Build(opts.analysts, opts.depth)
	if err != nil {
		return fmt.Errorf("build plan: %w", err)
	}

	logger := zap.NewNop()
	clk := system.New()
	engine := busmemory.New(logger)
	if err := engine.Connect(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	rtr := router.New(engine, clk, logger)
	prod := producer.New(rtr, clk, logger)

	reg, err := registry.New(registry.Config{
		Router:      rtr,
		Clock:       clk,
		Logger:      logger,
		Broadcaster: prod,
	})
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	gen := uuid.New()
	id, err := gen.NewID()
	if err != nil {
		return fmt.Errorf("generate analysis id: %w", err)
	}
	tr, err := reg.Register(ctx, id, steps, registry.WithStockSymbol(opts.symbol))
	if err != nil {
		return fmt.Errorf("register analysis: %w", err)
	}

	fmt.Printf("analysis %s: %d planned steps\n", id, len(steps))
	for _, step := range steps {
		if err := simulateStep(ctx, prod, tr, id, opts, step); err != nil {
			return err
		}
	}

	final := tr.Snapshot()
	fmt.Printf("final status: %s\n", final.Status)
	return nil
}

func simulateStep(
	ctx context.Context,
	prod *producer.Producer,
	tr *tracker.Tracker,
	id string,
	opts simulateOptions,
	step plan.Step,
) error {
	ev := message.ModuleEvent{
		AnalysisID:  id,
		ModuleName:  step.Name,
		StockSymbol: opts.symbol,
		StepIndex:   step.Index,
		Message:     fmt.Sprintf("%s started", step.DisplayName),
	}
	prod.PublishModuleStart(ctx, ev)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(opts.interval):
	}

	ev.Message = fmt.Sprintf("%s completed", step.DisplayName)
	ev.Duration = opts.interval.Seconds()
	prod.PublishModuleComplete(ctx, ev)

	return printSnapshot(tr.Snapshot())
}

func printSnapshot(snap tracker.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}
