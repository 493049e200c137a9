package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dbvideostriketeam/wubloader/internal/models"
	"github.com/dbvideostriketeam/wubloader/internal/repository"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Event{}, &models.Node{}))
	return db
}

func editedRow(t *testing.T, db *gorm.DB, location string) *models.Event {
	t.Helper()
	start := time.Date(2024, 11, 2, 0, 0, 2, 0, time.UTC)
	now := time.Now().UTC()
	e := &models.Event{
		Ranges:           models.TimeRangeList{{Start: start, End: start.Add(5 * time.Second)}},
		RangeTransitions: models.TransitionList{},
		VideoChannel:     "alpha",
		VideoQuality:     "source",
		UploadLocation:   location,
		State:            models.StateEdited,
		EditTime:         &now,
	}
	require.NoError(t, repository.NewEventRepository(db).Create(context.Background(), e))
	return e
}

func TestClaimExclusivity(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewEventRepository(db)
	row := editedRow(t, db, "archive")

	const cutters = 8
	var won sync.Map
	var wg sync.WaitGroup
	for i := 0; i < cutters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := repo.Claim(context.Background(), row.ID, models.StateEdited, "cutter"); err == nil {
				won.Store(n, true)
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	won.Range(func(_, _ any) bool { winners++; return true })
	assert.Equal(t, 1, winners)

	got, err := repo.GetByID(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateClaimed, got.State)
	assert.Equal(t, "cutter", got.Uploader)
}

func TestClaimRefusesOwnedOrWrongState(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewEventRepository(db)
	row := editedRow(t, db, "archive")

	_, err := repo.Claim(context.Background(), row.ID, models.StateEdited, "n1")
	require.NoError(t, err)

	_, err = repo.Claim(context.Background(), row.ID, models.StateEdited, "n2")
	assert.ErrorIs(t, err, repository.ErrWrongState)
}

func TestModifiedClaimableDespiteUploader(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewEventRepository(db)
	ctx := context.Background()
	row := editedRow(t, db, "archive")

	// Walk a fresh upload all the way through: DONE keeps the uploader
	// as the record of who cut it.
	_, err := repo.Claim(ctx, row.ID, models.StateEdited, "n1")
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, row.ID, models.StateClaimed, models.StateFinalizing, nil))
	require.NoError(t, repo.Transition(ctx, row.ID, models.StateFinalizing, models.StateDone, map[string]any{
		"video_id": "vid-1",
	}))
	require.NoError(t, repo.Transition(ctx, row.ID, models.StateDone, models.StateModified, nil))

	got, err := repo.GetByID(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, "n1", got.Uploader)

	// The retained uploader must not fence out metadata touch-ups, not
	// even from a different node.
	rows, err := repo.FindClaimable(ctx, models.StateModified, []string{"archive"}, "n2")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	claimed, err := repo.Claim(ctx, row.ID, models.StateModified, "n2")
	require.NoError(t, err)
	assert.Equal(t, models.StateClaimed, claimed.State)
	assert.Equal(t, "n2", claimed.Uploader)
}

func TestFindClaimableFilters(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewEventRepository(db)
	ctx := context.Background()

	matching := editedRow(t, db, "archive")
	editedRow(t, db, "youtube") // location this cutter does not serve

	restricted := editedRow(t, db, "archive")
	restricted.UploaderAllowlist = models.StringSlice{"other-node"}
	require.NoError(t, db.Save(restricted).Error)

	rows, err := repo.FindClaimable(ctx, models.StateEdited, []string{"archive"}, "this-node")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, matching.ID, rows[0].ID)

	// The allow-list admits a named cutter.
	rows, err = repo.FindClaimable(ctx, models.StateEdited, []string{"archive"}, "other-node")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// No configured locations means nothing is claimable.
	rows, err = repo.FindClaimable(ctx, models.StateEdited, nil, "this-node")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestTransitionEnforcesPrecondition(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewEventRepository(db)
	ctx := context.Background()
	row := editedRow(t, db, "archive")

	_, err := repo.Claim(ctx, row.ID, models.StateEdited, "n1")
	require.NoError(t, err)

	// Illegal edge is refused without touching the database.
	err = repo.Transition(ctx, row.ID, models.StateClaimed, models.StateDone, nil)
	assert.Error(t, err)

	// Legal edge with a stale precondition affects no rows.
	err = repo.Transition(ctx, row.ID, models.StateEdited, models.StateClaimed, nil)
	assert.ErrorIs(t, err, repository.ErrWrongState)

	require.NoError(t, repo.Transition(ctx, row.ID, models.StateClaimed, models.StateFinalizing, nil))
	require.NoError(t, repo.Transition(ctx, row.ID, models.StateFinalizing, models.StateTranscoding, map[string]any{
		"video_id": "vid-123",
	}))

	got, err := repo.GetByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateTranscoding, got.State)
	assert.Equal(t, "vid-123", got.VideoID)
}

func TestReleaseSemantics(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewEventRepository(db)
	ctx := context.Background()

	t.Run("retryable clears uploader", func(t *testing.T) {
		row := editedRow(t, db, "archive")
		_, err := repo.Claim(ctx, row.ID, models.StateEdited, "n1")
		require.NoError(t, err)

		require.NoError(t, repo.Release(ctx, row.ID, models.StateEdited, ""))
		got, err := repo.GetByID(ctx, row.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateEdited, got.State)
		assert.Empty(t, got.Uploader)
	})

	t.Run("permanent keeps uploader and records error", func(t *testing.T) {
		row := editedRow(t, db, "archive")
		_, err := repo.Claim(ctx, row.ID, models.StateEdited, "n1")
		require.NoError(t, err)

		require.NoError(t, repo.Release(ctx, row.ID, models.StateUnedited, "hole in requested range"))
		got, err := repo.GetByID(ctx, row.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateUnedited, got.State)
		assert.Equal(t, "n1", got.Uploader)
		assert.Equal(t, "hole in requested range", got.Error)
	})
}

func TestNodeRepo(t *testing.T) {
	db := setupDB(t)
	repo := repository.NewNodeRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &models.Node{Name: "n1", URL: "http://n1:8010", BackfillFrom: true}))
	require.NoError(t, repo.Upsert(ctx, &models.Node{Name: "n2", URL: "http://n2:8010", BackfillFrom: true}))
	require.NoError(t, repo.Upsert(ctx, &models.Node{Name: "n3", URL: "http://n3:8010", BackfillFrom: false}))

	// Upsert refreshes in place.
	require.NoError(t, repo.Upsert(ctx, &models.Node{Name: "n2", URL: "http://n2:9000", BackfillFrom: true}))

	peers, err := repo.ListPeers(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "n2", peers[0].Name)
	assert.Equal(t, "http://n2:9000", peers[0].URL)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
