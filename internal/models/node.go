package models

// Node identifies a peer in the fleet. Peers interoperate purely over
// the restreamer HTTP surface; this table only advertises who exists.
type Node struct {
	Name string `gorm:"primaryKey;size:255" json:"name"`
	URL  string `gorm:"size:2048;not null" json:"url"`
	// BackfillFrom advertises whether others should pull from this node.
	// Each node excludes its own row by name when listing peers.
	BackfillFrom bool `gorm:"default:true" json:"backfill_from"`
}

// TableName returns the table name for Node.
func (Node) TableName() string {
	return "nodes"
}
