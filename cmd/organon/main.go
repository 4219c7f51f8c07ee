// Command organon drives the convergence engine: it simulates turns through
// synthetic organs and inspects or repairs the learned state on disk.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"organon/internal/config"
	"organon/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Loaded in PersistentPreRunE
	cfg     *config.Config
	cfgFile string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "organon",
	Short: "organon - multi-organ convergence engine",
	Long: `organon runs a bounded energy-minimizing loop over independent scoring
organs, composes gated nexuses from the result, and keeps learned state
(coupling matrix, families, regime, adaptive threshold, reward cascade)
under the workspace's .organon directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return loadConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: nearest .organon or current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/.organon/config.yaml)")

	simulateCmd.Flags().IntVarP(&simTurns, "turns", "n", 50, "Number of turns to simulate")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 1, "Seed for the synthetic organs")
	simulateCmd.Flags().StringVar(&simSession, "session", "sim", "Session id recorded with each turn")
	simulateCmd.Flags().BoolVar(&simWatch, "watch", false, "Hot-reload label tables from the config file while running")

	resetCmd.Flags().StringVar(&resetReason, "reason", "manual", "Reason recorded with the snapshot")
	rewardsCmd.Flags().IntVar(&rewardsLast, "last", 10, "Number of recent epochs to show (0 = all)")
	turnsCmd.Flags().IntVar(&turnsLimit, "limit", 20, "Number of recent turns to show")
	turnsCmd.Flags().StringVar(&turnsSession, "session", "", "Only show turns of this session")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(rewardsCmd)
	rootCmd.AddCommand(familiesCmd)
	rootCmd.AddCommand(turnsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the workspace, loads and validates the configuration
// and initializes category logging. Invalid configuration is fatal.
func loadConfig() error {
	ws := workspace
	if ws == "" {
		root, err := config.FindWorkspaceRoot()
		if err != nil {
			return fmt.Errorf("failed to resolve workspace: %w", err)
		}
		ws = root
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace: %w", err)
	}
	ws = abs

	path := configPath
	if path == "" {
		path = config.DefaultConfigPath(ws)
	}
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if workspace != "" || c.Workspace == "" || c.Workspace == "." {
		c.Workspace = ws
	}
	if err := c.Validate(); err != nil {
		return err
	}

	if err := logging.Initialize(c.Workspace, c.Logging.Settings()); err != nil {
		logger.Warn("category logging disabled", zap.Error(err))
	} else if err := logging.InitAudit(); err != nil {
		logger.Warn("audit log disabled", zap.Error(err))
	}
	logger.Debug("configuration loaded", zap.String("path", path), zap.String("workspace", c.Workspace))

	cfg = c
	cfgFile = path
	return nil
}
