package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dbvideostriketeam/wubloader/internal/cutter"
	"github.com/dbvideostriketeam/wubloader/internal/repository"
	"github.com/dbvideostriketeam/wubloader/internal/restreamer"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
	"github.com/dbvideostriketeam/wubloader/internal/uploader"
	"github.com/dbvideostriketeam/wubloader/pkg/httpclient"
)

var cutterCmd = &cobra.Command{
	Use:   "cutter",
	Short: "Claim edited events, cut them and upload the result",
	Long: `Run the cut-and-upload worker. Edited events are claimed from the
shared database one at a time, cut through the local restreamer, and
streamed to their upload destination; modified events get their
metadata and thumbnails refreshed in place. A background poll advances
videos that destinations process asynchronously.

Multiple cutters may run against the same database; row-level claims
keep them from fighting over events.`,
	RunE: runCutter,
}

func init() {
	addPortFlag(cutterCmd)
	rootCmd.AddCommand(cutterCmd)
}

func runCutter(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	applyPortFlag(cmd, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	db, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	events := repository.NewEventRepository(db.DB)

	locations, err := uploader.NewLocations(cfg.Locations, logger)
	if err != nil {
		return err
	}

	store, err := segment.NewStore(cfg.Storage.BaseDir, logger)
	if err != nil {
		return err
	}

	client := restreamer.NewClient(cfg.Cutter.RestreamerURL, httpclient.NewWithDefaults())
	c := cutter.New(cfg, events, locations, client, store, logger)
	return runComponent(ctx, cfg, "cutter", logger, db, c.Run)
}
