// Package tables declares the derived output datasets produced from each
// source shard, their partition keys, and the remote repositories they
// publish to.
package tables

import "fmt"

// Table identifies one of the derived output datasets.
type Table string

const (
	Labels       Table = "labels"
	Descriptions Table = "descriptions"
	Aliases      Table = "aliases"
	Links        Table = "links"
	Claims       Table = "claims"
)

// All lists every table in a stable order.
func All() []Table {
	return []Table{Labels, Descriptions, Aliases, Links, Claims}
}

// Parse returns the Table for name, or an error for unknown names.
func Parse(name string) (Table, error) {
	switch Table(name) {
	case Labels, Descriptions, Aliases, Links, Claims:
		return Table(name), nil
	}
	return "", fmt.Errorf("unknown table %q", name)
}

// PartitionKey returns the column a table is partitioned by. Sitelinks
// split by site; everything else splits by language.
func (t Table) PartitionKey() string {
	if t == Links {
		return "site"
	}
	return "language"
}

// AllowsDroppedEntities reports whether the table may legitimately lose
// input entities during transform. Alias rows with null values are
// dropped, so the alias table is exempt from the entity-identity check.
func (t Table) AllowsDroppedEntities() bool {
	return t == Aliases
}

// Catalog maps each table to its target remote repository.
type Catalog struct {
	targets map[Table]string
}

// NewCatalog builds a catalog from a table->repo mapping. Every table
// must be present exactly once.
func NewCatalog(targets map[Table]string) (*Catalog, error) {
	for _, t := range All() {
		if targets[t] == "" {
			return nil, fmt.Errorf("catalog: missing target repo for table %q", t)
		}
	}
	if len(targets) != len(All()) {
		return nil, fmt.Errorf("catalog: expected %d tables, got %d", len(All()), len(targets))
	}
	cp := make(map[Table]string, len(targets))
	for t, repo := range targets {
		cp[t] = repo
	}
	return &Catalog{targets: cp}, nil
}

// TargetRepo returns the remote repository a table publishes to.
func (c *Catalog) TargetRepo(t Table) string { return c.targets[t] }
