package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/gem-registry/gem-registry/internal/db/models"
)

var upstreamCols = []string{"id", "uri", "host_id", "created_at"}

func newUpstreamRepo(t *testing.T) (*UpstreamRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewUpstreamRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestUpstreamFindOrCreate(t *testing.T) {
	repo, mock := newUpstreamRepo(t)
	uri := "https://rubygems.org"
	mock.ExpectQuery("INSERT INTO upstreams").
		WillReturnRows(sqlmock.NewRows(upstreamCols).
			AddRow(int64(1), uri, models.HostIDFor(uri), time.Now()))

	up, err := repo.FindOrCreate(context.Background(), uri)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.HostID != models.HostIDFor(uri) {
		t.Errorf("host id = %s", up.HostID)
	}
}

func TestHostIDForIsStable(t *testing.T) {
	a := models.HostIDFor("https://rubygems.org")
	b := models.HostIDFor("https://rubygems.org")
	if a != b {
		t.Errorf("host id not stable: %s != %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("host id length = %d, want 16", len(a))
	}
	if a == models.HostIDFor("https://other.example.com") {
		t.Error("distinct URIs should have distinct host ids")
	}
}
