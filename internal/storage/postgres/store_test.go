package postgres

import (
	"context"
	"errors"
	"io/fs"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepulse/carepulse/internal/storage"
	"github.com/carepulse/carepulse/pkg/database"
	"github.com/carepulse/carepulse/pkg/logger"
)

func setupMock(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, mock.ExpectationsWereMet()) })
	return New(mock), mock
}

func TestStore_Get(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(getSQL)).WithArgs("accessToken").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("tok"))

	got, err := s.Get(context.Background(), "accessToken")
	require.NoError(t, err)
	assert.Equal(t, "tok", got)
}

func TestStore_Get_NotFound(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(getSQL)).WithArgs("user").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "user")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Get_QueryError(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(getSQL)).WithArgs("user").
		WillReturnError(errors.New("connection reset"))

	_, err := s.Get(context.Background(), "user")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestStore_Set(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectExec(regexp.QuoteMeta(upsertSQL)).WithArgs("customerRole", "caregiver").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(t, s.Set(context.Background(), "customerRole", "caregiver"))
}

func TestStore_Delete(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectExec(regexp.QuoteMeta(deleteSQL)).WithArgs([]string{"accessToken", "user"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	assert.NoError(t, s.Delete(context.Background(), "accessToken", "user"))
	assert.NoError(t, s.Delete(context.Background()))
}

func TestStore_DeletePrefix(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectExec(regexp.QuoteMeta(deletePrefixSQL)).WithArgs("carepulse:").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.DeletePrefix(context.Background(), "carepulse:")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_Ping(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectPing()

	assert.NoError(t, s.Ping(context.Background()))
}

func TestStore_Migrate(t *testing.T) {
	s, mock := setupMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("001_create_kv.up.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS carepulse_kv").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("001_create_kv.up.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	assert.NoError(t, s.Migrate(context.Background(), logger.Discard()))
}

func TestMigrations_Embedded(t *testing.T) {
	names, err := fs.Glob(Migrations(), "*.up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_create_kv.up.sql"}, names)
}
