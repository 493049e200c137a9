package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dbvideostriketeam/wubloader/internal/downloader"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

var downloaderCmd = &cobra.Command{
	Use:   "downloader",
	Short: "Capture live streams into the segment archive",
	Long: `Run the live ingest workers: one per (channel, quality), each polling
the upstream media playlist and downloading every advertised segment
into the local archive. Segments that arrive broken are kept as
partials rather than dropped; the backfiller and other nodes fill the
holes later.`,
	RunE: runDownloader,
}

func init() {
	addPortFlag(downloaderCmd)
	rootCmd.AddCommand(downloaderCmd)
}

func runDownloader(cmd *cobra.Command, args []string) error {
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

	d := downloader.New(cfg, store, logger)
	return runComponent(ctx, cfg, "downloader", logger, nil, d.Run)
}
