package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dbvideostriketeam/wubloader/internal/backfiller"
	"github.com/dbvideostriketeam/wubloader/internal/database"
	"github.com/dbvideostriketeam/wubloader/internal/models"
	"github.com/dbvideostriketeam/wubloader/internal/repository"
	"github.com/dbvideostriketeam/wubloader/internal/segment"
)

var backfillerAdvertiseURL string

var backfillerCmd = &cobra.Command{
	Use:   "backfiller",
	Short: "Replicate missing segments from peer nodes",
	Long: `Run the peer replication workers. Each peer's restreamer is compared
against the local archive, hour by hour, and missing segments are
fetched; the newest hours are swept frequently, older hours slowly.
Segments are content-addressed, so concurrent capture and backfill of
the same media converge on identical files.

Peers come from backfiller.peers in the config, or from the shared
nodes table when that list is empty. --advertise-url registers this
node in the nodes table so other nodes can find it.`,
	RunE: runBackfiller,
}

func init() {
	addPortFlag(backfillerCmd)
	backfillerCmd.Flags().StringVar(&backfillerAdvertiseURL, "advertise-url", "", "register this node's restreamer URL in the nodes table")
	rootCmd.AddCommand(backfillerCmd)
}

func runBackfiller(cmd *cobra.Command, args []string) error {
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

	// A static peer list needs no database at all.
	var (
		db    *database.DB
		nodes repository.NodeRepository
	)
	if len(cfg.Backfiller.Peers) == 0 || backfillerAdvertiseURL != "" {
		db, err = openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		nodes = repository.NewNodeRepository(db.DB)

		if backfillerAdvertiseURL != "" {
			err := nodes.Upsert(ctx, &models.Node{
				Name:         cfg.Node.Name,
				URL:          backfillerAdvertiseURL,
				BackfillFrom: true,
			})
			if err != nil {
				return err
			}
		}
	}

	b := backfiller.New(cfg, store, nodes, logger)
	return runComponent(ctx, cfg, "backfiller", logger, db, b.Run)
}
