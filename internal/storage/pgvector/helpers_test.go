package pgvector

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the memories table between tests.
// Defined in the pgvector package (not the _test package) so it reaches the
// unexported db field, exported so the pgvector_test package can call it.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE memories")
	if err != nil {
		return fmt.Errorf("truncating memories: %w", err)
	}
	return nil
}
