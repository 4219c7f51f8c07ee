package main

import (
	"fmt"
	"os"
	"strings"

	"organon/internal/engine"
	"organon/internal/family"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	resetReason  string
	rewardsLast  int
	turnsLimit   int
	turnsSession string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file into the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgFile); err == nil && !initForce {
			fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("config already exists: "+cfgFile))
			return nil
		}
		if err := cfg.Save(cfgFile); err != nil {
			return err
		}
		logger.Info("config written", zap.String("path", cfgFile))
		fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("wrote "+cfgFile))
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show coupling matrix health and learned-state status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *runtime) error {
			fmt.Fprintln(cmd.OutOrStdout(), statusPanel(rt.engine.Status(), recordedTurns(cmd, rt)))
			if len(rt.report.Quarantined) > 0 {
				for kind, dst := range rt.report.Quarantined {
					fmt.Fprintln(cmd.OutOrStdout(), errStyle.Render(fmt.Sprintf("%s was corrupt; moved to %s", kind, dst)))
				}
			}
			return nil
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Snapshot and reinitialize the coupling matrix",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *runtime) error {
			snap, err := rt.engine.ResetCoupling(cmd.Context(), resetReason)
			if err != nil {
				return err
			}
			h := rt.engine.Health()
			fmt.Fprintln(cmd.OutOrStdout(), panel("Coupling reset", [][2]string{
				{"snapshot", snap.ID},
				{"reason", snap.Reason},
				{"mean before", f4(snap.Health.Mean)},
				{"std before", f4(snap.Health.Std)},
				{"mean after", f4(h.Mean)},
				{"std after", f4(h.Std)},
				{"learning rate", fmt.Sprintf("%.5f", rt.engine.Status().LearningRate)},
			}))
			return nil
		})
	},
}

var rewardsCmd = &cobra.Command{
	Use:   "rewards",
	Short: "Show reward cascade epochs and trend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *runtime) error {
			sum := rt.engine.Rewards(rewardsLast)
			rows := make([][]string, 0, len(sum.Epochs))
			for _, e := range sum.Epochs {
				rows = append(rows, []string{
					fmt.Sprintf("%d", e.Index), f3(e.SuccessRate), f3(e.MeanConfidence), f4(e.Reward), f4(e.GlobalAfter),
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, panel("Reward cascade", [][2]string{
				{"global", f4(sum.Global)},
				{"trend", fmt.Sprintf("%+.4f / epoch", sum.Slope)},
				{"open batch", fmt.Sprintf("%d tasks", sum.Batch)},
			}))
			if len(rows) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("no epochs yet"))
				return nil
			}
			fmt.Fprintln(out, table([]string{"epoch", "success", "confidence", "reward", "global"}, rows))
			return nil
		})
	},
}

var familiesCmd = &cobra.Command{
	Use:   "families",
	Short: "List learned families, largest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *runtime) error {
			fams := rt.engine.Families()
			if len(fams) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("no families yet"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), familyTable(fams))
			return nil
		})
	},
}

var turnsCmd = &cobra.Command{
	Use:   "turns",
	Short: "Show recent turns from the history database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(rt *runtime) error {
			recs, err := rt.history.RecentTurns(cmd.Context(), turnsSession, turnsLimit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("no turns recorded"))
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, []string{
					r.At.Local().Format("01-02 15:04:05"), r.SessionID, r.HaltReason, fmt.Sprintf("%d", r.Cycles),
					f3(r.Satisfaction), f3(r.Confidence), f3(r.Tau), r.Regime, r.Category, emitMark(r.Emitted),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), table([]string{"at", "session", "halt", "cycles", "sat", "conf", "tau", "regime", "category", "emit"}, rows))
			return nil
		})
	},
}

func emitMark(b bool) string {
	if b {
		return okStyle.Render("yes")
	}
	return mutedStyle.Render("no")
}

// withRuntime opens the runtime, runs fn and closes it, preferring fn's error.
func withRuntime(fn func(rt *runtime) error) error {
	rt, err := openRuntime(cfg, 1)
	if err != nil {
		return err
	}
	ferr := fn(rt)
	if cerr := rt.Close(); ferr == nil {
		ferr = cerr
	}
	return ferr
}

// recordedTurns counts every turn in the history database; -1 when unknown.
func recordedTurns(cmd *cobra.Command, rt *runtime) int {
	n, err := rt.history.CountTurns(cmd.Context(), "")
	if err != nil {
		logger.Warn("failed to count turns", zap.Error(err))
		return -1
	}
	return n
}

func statusPanel(st engine.Status, recorded int) string {
	health := badge(!st.Health.Degraded, "healthy", "degraded")
	turns := fmt.Sprintf("%d this run", st.Turns)
	if recorded >= 0 {
		turns = fmt.Sprintf("%d this run, %d recorded", st.Turns, recorded)
	}
	rows := [][2]string{
		{"turns", turns},
		{"coupling", health},
		{"mean / std", f4(st.Health.Mean) + " / " + f4(st.Health.Std)},
		{"off-diag std", f4(st.Health.OffDiagStd)},
		{"learning rate", fmt.Sprintf("%.5f", st.LearningRate)},
		{"updates", fmt.Sprintf("%d", st.UpdateCount)},
		{"tau", f4(st.Tau)},
		{"regime", string(st.Regime)},
		{"stability", fmt.Sprintf("%s (%d)", st.Stability, st.Iterations)},
		{"families", fmt.Sprintf("%d", st.Families)},
		{"global reward", fmt.Sprintf("%s over %d epochs", f4(st.GlobalReward), st.Epochs)},
	}
	if len(st.Health.Reasons) > 0 {
		rows = append(rows, [2]string{"reasons", strings.Join(st.Health.Reasons, "; ")})
	}
	return panel("Learned state", rows)
}

func familyTable(fams []family.Record) string {
	rows := make([][]string, 0, len(fams))
	for _, f := range fams {
		rows = append(rows, []string{
			shortID(f.ID), f.Label, fmt.Sprintf("%d", f.MemberCount), f3(f.SatisfactionMean), f4(f.SatisfactionVariance()), f.DominantOrgan,
		})
	}
	return table([]string{"id", "label", "members", "sat mean", "sat var", "dominant"}, rows)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
