package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestSaveCodeInsertsWhenMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM codes WHERE code = \$1\)`).
		WithArgs("10").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO codes").
		WithArgs("10", "/product/10/", crawler.StatusPending).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveCode(context.Background(), "10", "/product/10/"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCodeSkipsExisting(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM codes`).
		WithArgs("10").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, store.SaveCode(context.Background(), "10", "/product/10/"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveNameInsertErrorSurfaces(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM names`).
		WithArgs("Widget").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO names").
		WithArgs("10", "Widget", "/item/widget", crawler.StatusPending).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))

	err := store.SaveName(context.Background(), "10", "Widget", "/item/widget")
	require.ErrorContains(t, err, "insert name")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingCodes(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`SELECT id, code, url, status, created_at, updated_at\s+FROM codes`).
		WithArgs(crawler.StatusPending).
		WillReturnRows(pgxmock.NewRows([]string{"id", "code", "url", "status", "created_at", "updated_at"}).
			AddRow(int64(1), "10", "/product/10/", crawler.StatusPending, now, now).
			AddRow(int64(2), "12", "/product/12/", crawler.StatusPending, now, now))

	codes, err := store.PendingCodes(context.Background())
	require.NoError(t, err)
	require.Len(t, codes, 2)
	require.Equal(t, "12", codes[1].Code)
	require.Equal(t, crawler.StatusPending, codes[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingNames(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`SELECT id, product_code, name, url, status, created_at, updated_at\s+FROM names`).
		WithArgs(crawler.StatusPending).
		WillReturnRows(pgxmock.NewRows([]string{"id", "product_code", "name", "url", "status", "created_at", "updated_at"}).
			AddRow(int64(7), "10", "Widget", "/item/widget", crawler.StatusPending, now, now))

	names, err := store.PendingNames(context.Background())
	require.NoError(t, err)
	require.Equal(t, []crawler.Name{{
		ID: 7, ProductCode: "10", Name: "Widget", URL: "/item/widget",
		Status: crawler.StatusPending, CreatedAt: now, UpdatedAt: now,
	}}, names)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCodeStatusFromPending(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE codes SET status = \$1, updated_at = now\(\) WHERE id = \$2 AND status = \$3`).
		WithArgs(crawler.StatusDone, int64(1), crawler.StatusPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateCodeStatus(context.Background(), 1, crawler.StatusDone))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateNameStatusRejectsTerminalRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE names SET status").
		WithArgs(crawler.StatusError, int64(3), crawler.StatusPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM names WHERE id = \$1`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(crawler.StatusDone))

	err := store.UpdateNameStatus(context.Background(), 3, crawler.StatusError)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE codes SET status").
		WithArgs(crawler.StatusDone, int64(99), crawler.StatusPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM codes").
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	err := store.UpdateCodeStatus(context.Background(), 99, crawler.StatusDone)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusRejectsPendingTarget(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	err := store.UpdateCodeStatus(context.Background(), 1, crawler.StatusPending)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRawContentIsIdempotent(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM rawdata`).
		WithArgs("Widget").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO rawdata").
		WithArgs("Widget", "<body>x</body>").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM rawdata`).
		WithArgs("Widget").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ctx := context.Background()
	require.NoError(t, store.SaveRawContent(ctx, "Widget", "<body>x</body>"))
	require.NoError(t, store.SaveRawContent(ctx, "Widget", "<body>y</body>"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFileRecordAlwaysInserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for i := 0; i < 2; i++ {
		mock.ExpectExec("INSERT INTO files").
			WithArgs("Widget", "abc", "https://cdn.test/a.pdf").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	ctx := context.Background()
	require.NoError(t, store.SaveFileRecord(ctx, "Widget", "abc", "https://cdn.test/a.pdf"))
	require.NoError(t, store.SaveFileRecord(ctx, "Widget", "abc", "https://cdn.test/a.pdf"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountRawContent(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM rawdata`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := store.CountRawContent(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE codes SET status = \$1, updated_at = now\(\) WHERE status = \$2`).
		WithArgs(crawler.StatusPending, crawler.StatusError).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`UPDATE names SET status = \$1, updated_at = now\(\) WHERE status = \$2`).
		WithArgs(crawler.StatusPending, crawler.StatusError).
		WillReturnResult(pgxmock.NewResult("UPDATE", 5))

	res, err := store.RequeueErrors(context.Background(), crawler.RequeueTarget{Codes: true, Names: true})
	require.NoError(t, err)
	require.Equal(t, crawler.RequeueResult{Codes: 2, Names: 5}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT").
		WillReturnRows(pgxmock.NewRows([]string{"cp", "cd", "ce", "np", "nd", "ne", "raw", "files"}).
			AddRow(int64(1), int64(2), int64(3), int64(4), int64(5), int64(6), int64(7), int64(8)))

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.Stats{
		Codes:      crawler.StatusCount{Pending: 1, Done: 2, Error: 3},
		Names:      crawler.StatusCount{Pending: 4, Done: 5, Error: 6},
		RawContent: 7,
		Files:      8,
	}, st)
	require.NoError(t, mock.ExpectationsWereMet())
}
