package db

import (
	"context"
	"database/sql"
	"testing"
)

// TestFrom_FallsBackToPool tests that a context without a transaction
// resolves to the pool.
func TestFrom_FallsBackToPool(t *testing.T) {
	pool, err := sql.Open("postgres", "postgres://localhost:5432/unused?sslmode=disable")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	defer pool.Close()

	if got := From(context.Background(), pool); got != Querier(pool) {
		t.Error("expected From to return the pool for a bare context")
	}
	if _, ok := TxFrom(context.Background()); ok {
		t.Error("expected no transaction on a bare context")
	}
}
