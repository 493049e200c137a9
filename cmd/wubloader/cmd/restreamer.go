package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dbvideostriketeam/wubloader/internal/repository"
	"github.com/dbvideostriketeam/wubloader/internal/restreamer"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
	"github.com/dbvideostriketeam/wubloader/internal/version"
)

var restreamerNoDB bool

var restreamerCmd = &cobra.Command{
	Use:   "restreamer",
	Short: "Serve the segment archive over HTTP",
	Long: `Run the archive HTTP server: raw segments, hour and segment listings,
synthesized HLS playlists, on-demand cuts, single frames, waveforms and
mirrored extra files. Peers backfill from this surface and editors
preview through it.

With a database configured the server also mounts the operator
endpoint for resetting stuck events; pass --no-db to serve a pure
archive node without one.`,
	RunE: runRestreamer,
}

func init() {
	addPortFlag(restreamerCmd)
	restreamerCmd.Flags().BoolVar(&restreamerNoDB, "no-db", false, "serve without a database (disables event reset)")
	rootCmd.AddCommand(restreamerCmd)
}

func runRestreamer(cmd *cobra.Command, args []string) error {
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

	var events repository.EventRepository
	if !restreamerNoDB {
		db, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		events = repository.NewEventRepository(db.DB)
	}

	r := restreamer.New(cfg, store, events, version.Version, logger)
	return r.Run(ctx)
}
