package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dbvideostriketeam/wubloader/internal/coverage"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

var coverageOnce bool

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Render archive coverage maps",
	Long: `Run the archive auditor. Every few minutes it renders one PNG per
(channel, quality, hour) showing what was captured at two-second
resolution, plus an auto-refreshing HTML viewer, under the storage
base directory. Operators watch the maps during a run to spot holes
while the upstream copy still exists.`,
	RunE: runCoverage,
}

func init() {
	addPortFlag(coverageCmd)
	coverageCmd.Flags().BoolVar(&coverageOnce, "once", false, "render all maps once and exit")
	rootCmd.AddCommand(coverageCmd)
}

func runCoverage(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	applyPortFlag(cmd, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	store, err := segment.NewStore(cfg.Storage.BaseDir, logger)
	if err != nil {
		return err
	}

	g := coverage.New(cfg, store, logger)
	if coverageOnce {
		return g.GenerateAll(ctx)
	}
	return runComponent(ctx, cfg, "coverage", logger, nil, g.Run)
}
