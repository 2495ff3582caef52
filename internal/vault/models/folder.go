package models

import "time"

// Folder is a hierarchical container scoped to one vault. Path is the
// materialized ancestry ("/<id>/<id>/..."), recomputed on insert and move so
// subtree queries are a single prefix match. Names are unique among siblings.
type Folder struct {
	ID       string
	VaultID  string
	ParentID *string
	Name     string

	Path  string
	Depth int

	SecretsCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}
