package mssql

import (
	"context"
	"database/sql"
	"testing"

	"cohorteval/internal/storage"
)

func TestCreateTableSQL(t *testing.T) {
	t.Parallel()

	got := createTableSQL(storage.Config{Target: "dbo.results", Columns: []string{"lib|A", "x]y"}})
	want := "IF OBJECT_ID(N'[dbo].[results]', N'U') IS NULL\n" +
		"CREATE TABLE [dbo].[results] (\n" +
		"  [context_key] NVARCHAR(MAX) NOT NULL,\n" +
		"  [batch_id] NVARCHAR(MAX) NOT NULL,\n" +
		"  [lib|A] NVARCHAR(MAX),\n" +
		"  [x]]y] NVARCHAR(MAX)\n)"
	if got != want {
		t.Fatalf("createTableSQL =\n%s\nwant\n%s", got, want)
	}
}

func TestNewWriter_BadDSN(t *testing.T) {
	called := false
	orig := openDB
	openDB = func(context.Context, string) (*sql.DB, error) { called = true; return nil, nil }
	t.Cleanup(func() { openDB = orig })

	if _, err := NewWriter(context.Background(), storage.Config{DSN: "sqlserver://%zz", Target: "r"}); err == nil {
		t.Fatal("expected DSN error")
	}
	if called {
		t.Fatal("openDB must not run for an invalid DSN")
	}
}

func TestRegistered(t *testing.T) {
	t.Parallel()

	for _, k := range storage.Kinds() {
		if k == "mssql" {
			return
		}
	}
	t.Fatalf("mssql not registered: %v", storage.Kinds())
}
