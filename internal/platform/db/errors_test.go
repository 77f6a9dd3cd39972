package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "no rows", err: pgx.ErrNoRows, want: shared.ErrNotFound},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: shared.ErrStorageConflict},
		{name: "deadlock", err: fmt.Errorf("approve: %w", &pgconn.PgError{Code: "40P01"}), want: shared.ErrStorageConflict},
		{name: "unique", err: &pgconn.PgError{Code: "23505"}, want: shared.ErrStorageConflict},
		{name: "check", err: &pgconn.PgError{Code: "23514", ConstraintName: "ck_pe_ledger_b1_hc"}, want: shared.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, MapError(tt.err), tt.want)
		})
	}

	require.NoError(t, MapError(nil))
	plain := errors.New("dial tcp: refused")
	require.Same(t, plain, MapError(plain))
}
