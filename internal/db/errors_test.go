package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   error
		want error
	}{
		{name: "no rows", in: pgx.ErrNoRows, want: ErrNotFound},
		{name: "unique", in: &pgconn.PgError{Code: "23505"}, want: ErrAlreadyExists},
		{name: "foreign key", in: &pgconn.PgError{Code: "23503"}, want: ErrNotFound},
		{name: "check", in: &pgconn.PgError{Code: "23514"}, want: ErrValidation},
		{name: "wrapped no rows", in: fmt.Errorf("scan: %w", pgx.ErrNoRows), want: ErrNotFound},
		{name: "deadline", in: context.DeadlineExceeded, want: context.DeadlineExceeded},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := MapError(tc.in, "account", "a-1")
			if !errors.Is(got, tc.want) {
				t.Fatalf("MapError(%v) = %v, want errors.Is %v", tc.in, got, tc.want)
			}
		})
	}

	if MapError(nil, "account", "a-1") != nil {
		t.Fatal("nil error should map to nil")
	}
}

func TestMapErrorPassesUnknownCodes(t *testing.T) {
	t.Parallel()

	in := &pgconn.PgError{Code: "40001"}
	got := MapError(in, "message", "42")
	var pgErr *pgconn.PgError
	if !errors.As(got, &pgErr) || pgErr.Code != "40001" {
		t.Fatalf("expected original pg error to be preserved, got %v", got)
	}
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"postgres://u:p@h:5432/db?sslmode=disable":   "pgx5://u:p@h:5432/db?sslmode=disable",
		"postgresql://u:p@h:5432/db?sslmode=disable": "pgx5://u:p@h:5432/db?sslmode=disable",
		"pgx5://u@h/db":                               "pgx5://u@h/db",
	}
	for in, want := range cases {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	t.Parallel()

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var up, down int
	for _, e := range entries {
		switch {
		case len(e.Name()) > 7 && e.Name()[len(e.Name())-7:] == ".up.sql":
			up++
		case len(e.Name()) > 9 && e.Name()[len(e.Name())-9:] == ".down.sql":
			down++
		}
	}
	if up == 0 || up != down {
		t.Fatalf("expected paired up/down migrations, got up=%d down=%d", up, down)
	}
}
