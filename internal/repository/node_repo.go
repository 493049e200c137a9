package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dbvideostriketeam/wubloader/internal/models"
)

// NodeRepository reads and advertises fleet membership.
type NodeRepository interface {
	Upsert(ctx context.Context, node *models.Node) error
	ListPeers(ctx context.Context, selfName string) ([]*models.Node, error)
	ListAll(ctx context.Context) ([]*models.Node, error)
}

type nodeRepo struct {
	db *gorm.DB
}

// NewNodeRepository creates a new NodeRepository.
func NewNodeRepository(db *gorm.DB) NodeRepository {
	return &nodeRepo{db: db}
}

// Upsert registers or refreshes a node row by name.
func (r *nodeRepo) Upsert(ctx context.Context, node *models.Node) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"url", "backfill_from"}),
		}).
		Create(node).Error
	if err != nil {
		return fmt.Errorf("upserting node: %w", err)
	}
	return nil
}

// ListPeers returns nodes to backfill from: everyone advertising
// backfill_from except ourselves.
func (r *nodeRepo) ListPeers(ctx context.Context, selfName string) ([]*models.Node, error) {
	var nodes []*models.Node
	err := r.db.WithContext(ctx).
		Where("backfill_from = ?", true).
		Where("name <> ?", selfName).
		Order("name ASC").
		Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}
	return nodes, nil
}

// ListAll returns every known node.
func (r *nodeRepo) ListAll(ctx context.Context) ([]*models.Node, error) {
	var nodes []*models.Node
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	return nodes, nil
}
