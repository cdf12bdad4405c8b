package gems

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gem-registry/gem-registry/internal/auth"
	"github.com/gem-registry/gem-registry/internal/cache"
	"github.com/gem-registry/gem-registry/internal/db/repositories"
	"github.com/gem-registry/gem-registry/internal/storage"
)

var lcRubygemCols = []string{"id", "name", "created_at"}

var lcVersionCols = []string{
	"id", "rubygem_id", "number", "platform", "full_name",
	"storage_id", "indexed", "prerelease", "sha256", "created_at",
}

// allowAll grants every permission; denyAll rejects everything
type allowAll struct{}

func (allowAll) Check(ctx context.Context, credential, permission string) error { return nil }

type denyAll struct{}

func (denyAll) Check(ctx context.Context, credential, permission string) error {
	return auth.ErrUnauthorized
}

type lifecycleFixture struct {
	lifecycle *Lifecycle
	mock      sqlmock.Sqlmock
	cache     cache.Cache
	store     *storage.Store
	specs     *fakeSpecsCatalog
}

func newLifecycleFixture(t *testing.T, authz Authorizer) *lifecycleFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	c := cache.NewMemory(16)
	repo := repositories.NewGemRepository(db)
	specsCatalog := &fakeSpecsCatalog{}
	specs := NewSpecsIndex(specsCatalog, store)

	return &lifecycleFixture{
		lifecycle: NewLifecycle(repo, authz, store, c, specs),
		mock:      mock,
		cache:     c,
		store:     store,
		specs:     specsCatalog,
	}
}

func (f *lifecycleFixture) seedInvalidationTargets(t *testing.T, gemName string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, cache.DepsKey("private", gemName), []byte(`[]`), cache.DefaultTTL))

	specsStore := f.store.For("private", "specs_collection")
	for _, artifact := range []string{SpecsArtifact, PrereleaseSpecsArtifact} {
		require.NoError(t, specsStore.Resource(artifact).Save(
			map[string][]byte{"specs": []byte("stale")}, nil))
	}
}

func (f *lifecycleFixture) assertInvalidated(t *testing.T, gemName string) {
	t.Helper()
	ctx := context.Background()

	_, found, err := f.cache.Get(ctx, cache.DepsKey("private", gemName))
	require.NoError(t, err)
	assert.False(t, found, "dependency cache entry should be invalidated")

	specsStore := f.store.For("private", "specs_collection")
	for _, artifact := range []string{SpecsArtifact, PrereleaseSpecsArtifact} {
		err := specsStore.Resource(artifact).Load()
		assert.ErrorIs(t, err, storage.ErrNotFound, "artifact %s should be deleted", artifact)
	}
}

func TestPush(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})
	f.seedInvalidationTargets(t, "rack")

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols).AddRow(int64(1), "rack", time.Now()))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE rubygem_id").
		WillReturnRows(sqlmock.NewRows(lcVersionCols))
	f.mock.ExpectQuery("INSERT INTO versions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))
	f.mock.ExpectExec("INSERT INTO dependencies").
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectCommit()

	gemBytes := buildGem(t, rackGemspec)
	require.NoError(t, f.lifecycle.Push(context.Background(), "key", gemBytes))
	assert.NoError(t, f.mock.ExpectationsWereMet())

	// Archive and gemspec stored together with matching properties
	res := f.store.For("private", "gems").Resource("rack-3.0.0")
	stored, err := res.Content("gem")
	require.NoError(t, err)
	assert.Equal(t, gemBytes, stored)

	spec, err := res.Content("spec")
	require.NoError(t, err)
	assert.Equal(t, []byte(rackGemspec), spec)

	props, err := res.Properties()
	require.NoError(t, err)
	assert.Equal(t, "true", props["indexed"])
	assert.Len(t, props["sha256"], 64)

	f.assertInvalidated(t, "rack")
}

func TestPushExistingVersion(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols).AddRow(int64(1), "rack", time.Now()))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE rubygem_id").
		WillReturnRows(sqlmock.NewRows(lcVersionCols).
			AddRow(int64(7), int64(1), "3.0.0", "ruby", "rack-3.0.0", "rack-3.0.0", true, false, nil, time.Now()))
	f.mock.ExpectRollback()

	err := f.lifecycle.Push(context.Background(), "key", buildGem(t, rackGemspec))
	assert.ErrorIs(t, err, ErrExistingVersion)
}

func TestPushOverYankedVersion(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols).AddRow(int64(1), "rack", time.Now()))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE rubygem_id").
		WillReturnRows(sqlmock.NewRows(lcVersionCols).
			AddRow(int64(7), int64(1), "3.0.0", "ruby", "rack-3.0.0", "rack-3.0.0", false, false, nil, time.Now()))
	f.mock.ExpectRollback()

	err := f.lifecycle.Push(context.Background(), "key", buildGem(t, rackGemspec))
	assert.ErrorIs(t, err, ErrYankedVersion)
}

func TestPushRacingDuplicate(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols).AddRow(int64(1), "rack", time.Now()))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE rubygem_id").
		WillReturnRows(sqlmock.NewRows(lcVersionCols))
	f.mock.ExpectQuery("INSERT INTO versions").
		WillReturnError(&pq.Error{Code: "23505"})
	f.mock.ExpectRollback()

	err := f.lifecycle.Push(context.Background(), "key", buildGem(t, rackGemspec))
	assert.ErrorIs(t, err, ErrExistingVersion)
}

func TestPushUnparsableGem(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})

	err := f.lifecycle.Push(context.Background(), "key", []byte("not a gem"))
	require.Error(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLifecycleRequiresAuthorization(t *testing.T) {
	f := newLifecycleFixture(t, denyAll{})

	gemBytes := buildGem(t, rackGemspec)
	assert.ErrorIs(t, f.lifecycle.Push(context.Background(), "", gemBytes), auth.ErrUnauthorized)
	assert.ErrorIs(t, f.lifecycle.Yank(context.Background(), "", "rack", "3.0.0"), auth.ErrUnauthorized)
	assert.ErrorIs(t, f.lifecycle.Unyank(context.Background(), "", "rack", "3.0.0"), auth.ErrUnauthorized)

	// No catalog activity at all
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestYank(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})
	f.seedInvalidationTargets(t, "rack")

	require.NoError(t, f.store.For("private", "gems").Resource("rack-3.0.0").Save(
		map[string][]byte{"gem": []byte("bytes")},
		map[string]string{"indexed": "true"},
	))

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT.*FROM rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols).AddRow(int64(1), "rack", time.Now()))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE full_name").
		WillReturnRows(sqlmock.NewRows(lcVersionCols).
			AddRow(int64(7), int64(1), "3.0.0", "ruby", "rack-3.0.0", "rack-3.0.0", true, false, nil, time.Now()))
	f.mock.ExpectExec("UPDATE versions SET indexed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	require.NoError(t, f.lifecycle.Yank(context.Background(), "key", "rack", "3.0.0"))
	assert.NoError(t, f.mock.ExpectationsWereMet())

	props, err := f.store.For("private", "gems").Resource("rack-3.0.0").Properties()
	require.NoError(t, err)
	assert.Equal(t, "false", props["indexed"])

	f.assertInvalidated(t, "rack")
}

func TestYankImpliedDefaultPlatform(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT.*FROM rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols).AddRow(int64(1), "rack", time.Now()))
	// Exact full name misses, the "-ruby" suffixed retry hits
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE full_name").
		WillReturnRows(sqlmock.NewRows(lcVersionCols))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE full_name").
		WillReturnRows(sqlmock.NewRows(lcVersionCols).
			AddRow(int64(7), int64(1), "3.0.0", "ruby", "rack-3.0.0-ruby", "rack-3.0.0-ruby", true, false, nil, time.Now()))
	f.mock.ExpectExec("UPDATE versions SET indexed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	require.NoError(t, f.lifecycle.Yank(context.Background(), "key", "rack", "3.0.0"))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestYankUnknownGem(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT.*FROM rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols))
	f.mock.ExpectRollback()

	err := f.lifecycle.Yank(context.Background(), "key", "ghost", "1.0.0")
	assert.ErrorIs(t, err, ErrUnknownGem)
}

func TestYankUnknownVersion(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT.*FROM rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols).AddRow(int64(1), "rack", time.Now()))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE full_name").
		WillReturnRows(sqlmock.NewRows(lcVersionCols))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE full_name").
		WillReturnRows(sqlmock.NewRows(lcVersionCols))
	f.mock.ExpectRollback()

	err := f.lifecycle.Yank(context.Background(), "key", "rack", "9.9.9")
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestYankAlreadyYanked(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT.*FROM rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols).AddRow(int64(1), "rack", time.Now()))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE full_name").
		WillReturnRows(sqlmock.NewRows(lcVersionCols).
			AddRow(int64(7), int64(1), "3.0.0", "ruby", "rack-3.0.0", "rack-3.0.0", false, false, nil, time.Now()))
	f.mock.ExpectRollback()

	err := f.lifecycle.Yank(context.Background(), "key", "rack", "3.0.0")
	assert.ErrorIs(t, err, ErrYankedVersion)
}

func TestUnyank(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})
	f.seedInvalidationTargets(t, "rack")

	require.NoError(t, f.store.For("private", "gems").Resource("rack-3.0.0").Save(
		map[string][]byte{"gem": []byte("bytes")},
		map[string]string{"indexed": "false"},
	))

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT.*FROM rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols).AddRow(int64(1), "rack", time.Now()))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE full_name").
		WillReturnRows(sqlmock.NewRows(lcVersionCols).
			AddRow(int64(7), int64(1), "3.0.0", "ruby", "rack-3.0.0", "rack-3.0.0", false, false, nil, time.Now()))
	f.mock.ExpectExec("UPDATE versions SET indexed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	require.NoError(t, f.lifecycle.Unyank(context.Background(), "key", "rack", "3.0.0"))

	props, err := f.store.For("private", "gems").Resource("rack-3.0.0").Properties()
	require.NoError(t, err)
	assert.Equal(t, "true", props["indexed"])

	f.assertInvalidated(t, "rack")
}

func TestUnyankNotYanked(t *testing.T) {
	f := newLifecycleFixture(t, allowAll{})

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT.*FROM rubygems").
		WillReturnRows(sqlmock.NewRows(lcRubygemCols).AddRow(int64(1), "rack", time.Now()))
	f.mock.ExpectQuery("SELECT.*FROM versions.*WHERE full_name").
		WillReturnRows(sqlmock.NewRows(lcVersionCols).
			AddRow(int64(7), int64(1), "3.0.0", "ruby", "rack-3.0.0", "rack-3.0.0", true, false, nil, time.Now()))
	f.mock.ExpectRollback()

	err := f.lifecycle.Unyank(context.Background(), "key", "rack", "3.0.0")
	assert.ErrorIs(t, err, ErrNotYanked)
}
