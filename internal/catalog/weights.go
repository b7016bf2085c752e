package catalog

import (
	"context"
	"fmt"
)

// LoadWeights returns the persisted per-embedder fusion weights. A missing
// row set is not an error: callers fall back to uniform weights (§4.3).
func (s *Store) LoadWeights(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, weight FROM embedder_weights`)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var name string
		var weight float64
		if err := rows.Scan(&name, &weight); err != nil {
			return nil, fmt.Errorf("scan weight: %w", err)
		}
		weights[name] = weight
	}
	return weights, rows.Err()
}

// SaveWeights persists the full set of per-embedder fusion weights as a
// single transaction, replacing any previously stored values.
func (s *Store) SaveWeights(ctx context.Context, weights map[string]float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM embedder_weights`); err != nil {
		return fmt.Errorf("save weights: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO embedder_weights (name, weight) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	defer stmt.Close()

	for name, weight := range weights {
		if _, err := stmt.ExecContext(ctx, name, weight); err != nil {
			return fmt.Errorf("save weight %q: %w", name, err)
		}
	}

	return tx.Commit()
}
