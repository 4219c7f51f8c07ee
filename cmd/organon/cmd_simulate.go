package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"organon/internal/config"
	"organon/internal/cycle"
	"organon/internal/engine"
	"organon/internal/family"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	simTurns   int
	simSeed    uint64
	simSession string
	simWatch   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run synthetic turns through the engine",
	Long: `Feeds generated turns through the configured synthetic organs, committing
learned state after each turn exactly as a live deployment would. The same
seed and state directory reproduce the same run.`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

var simTopics = []string{
	"I feel lost after the move",
	"walk me through the migration plan",
	"why does the scheduler stall under load",
	"my friend has not called in weeks",
	"compare these two proofs",
	"what should I remember from today",
	"is it fair to ask for more time",
	"explain the failure in plain words",
}

// simulationSummary aggregates one simulate run.
type simulationSummary struct {
	Turns     int
	TimedOut  int
	Emitted   int
	Converged int
	Resets    int
	Epochs    int
	Reasons   map[cycle.Reason]int
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if simTurns < 1 {
		return fmt.Errorf("--turns must be at least 1")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	rt, err := openRuntime(cfg, simSeed)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("failed to close runtime", zap.Error(err))
		}
	}()

	if simWatch {
		w, err := config.NewWatcher(cfgFile, cfg.Family.Labels, func(lt family.LabelTables) {
			n := rt.engine.SetLabelTables(lt)
			logger.Info("label tables reloaded", zap.Int("version", lt.Version), zap.Int("relabeled", n))
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	sum, err := simulate(ctx, rt.engine, simTurns, simSeed, simSession)
	if err != nil {
		return err
	}
	printSimulation(cmd, sum, rt.engine.Status(), recordedTurns(cmd, rt))
	return nil
}

// simulate runs n turns and tallies their outcomes. It stops early without
// error when ctx is cancelled.
func simulate(ctx context.Context, eng *engine.Engine, n int, seed uint64, session string) (simulationSummary, error) {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	sum := simulationSummary{Reasons: make(map[cycle.Reason]int)}

	for i := 0; i < n; i++ {
		text := fmt.Sprintf("%s (%d)", simTopics[rng.IntN(len(simTopics))], rng.IntN(1000))
		out, err := eng.ProcessTurn(ctx, engine.Turn{SessionID: session, Text: text})
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("simulation interrupted", zap.Int("completed", sum.Turns))
				return sum, nil
			}
			return sum, err
		}
		sum.Turns++
		sum.Reasons[out.Reason]++
		if out.TimedOut {
			sum.TimedOut++
		}
		if out.Emit {
			sum.Emitted++
		}
		if out.Reason.Converged() {
			sum.Converged++
		}
		if out.Reset != nil {
			sum.Resets++
		}
		if out.Epoch != nil {
			sum.Epochs++
		}
		logger.Debug("turn processed",
			zap.String("id", out.TurnID),
			zap.String("reason", string(out.Reason)),
			zap.Float64("satisfaction", out.Satisfaction),
			zap.Float64("confidence", out.Confidence),
			zap.String("family", out.Family.Label),
			zap.String("regime", string(out.Regime)))
	}
	return sum, nil
}

func printSimulation(cmd *cobra.Command, sum simulationSummary, st engine.Status, recorded int) {
	rows := [][2]string{
		{"turns", fmt.Sprintf("%d", sum.Turns)},
		{"converged", fmt.Sprintf("%d", sum.Converged)},
		{"emitted", fmt.Sprintf("%d", sum.Emitted)},
		{"timed out", fmt.Sprintf("%d", sum.TimedOut)},
		{"resets", fmt.Sprintf("%d", sum.Resets)},
		{"epochs closed", fmt.Sprintf("%d", sum.Epochs)},
	}
	for _, r := range []cycle.Reason{cycle.HaltKairos, cycle.HaltStable, cycle.HaltMaxCycles, cycle.HaltTimeout} {
		if c := sum.Reasons[r]; c > 0 {
			rows = append(rows, [2]string{string(r), fmt.Sprintf("%d", c)})
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), panel("Simulation", rows))
	fmt.Fprintln(cmd.OutOrStdout(), statusPanel(st, recorded))
}
