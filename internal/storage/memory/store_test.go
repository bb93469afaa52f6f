package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestSaveCodeIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SaveCode(ctx, "10", "/product/10/"))
	require.NoError(t, s.SaveCode(ctx, "10", "/product/10/"))
	require.Len(t, s.Codes(), 1)

	require.Error(t, s.SaveCode(ctx, "11", "/product/10/"))
}

func TestSaveNameIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SaveName(ctx, "10", "Widget", "/item/widget"))
	require.NoError(t, s.SaveName(ctx, "10", "Widget", "/item/widget"))
	require.Len(t, s.Names(), 1)
	require.Equal(t, crawler.StatusPending, s.Names()[0].Status)
}

func TestSaveExistingKeyWithForeignURLIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	// Map order varies per store, so repeat to cover both iteration orders.
	for i := 0; i < 100; i++ {
		s := NewStore()
		require.NoError(t, s.SaveName(ctx, "10", "A", "/a"))
		require.NoError(t, s.SaveName(ctx, "10", "B", "/b"))
		require.NoError(t, s.SaveName(ctx, "10", "A", "/b"))
		require.Len(t, s.Names(), 2)

		require.NoError(t, s.SaveCode(ctx, "10", "/product/10/"))
		require.NoError(t, s.SaveCode(ctx, "11", "/product/11/"))
		require.NoError(t, s.SaveCode(ctx, "10", "/product/11/"))
		require.Len(t, s.Codes(), 2)
	}
}

func TestSaveRawContentKeepsFirstBody(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SaveRawContent(ctx, "Widget", "<body>1</body>"))
	require.NoError(t, s.SaveRawContent(ctx, "Widget", "<body>2</body>"))

	raw := s.RawContents()
	require.Len(t, raw, 1)
	require.Equal(t, "<body>1</body>", raw[0].BodyHTML)

	n, err := s.CountRawContent(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SaveCode(ctx, "10", "/product/10/"))
	id := s.Codes()[0].ID

	require.ErrorIs(t, s.UpdateCodeStatus(ctx, id, crawler.StatusPending), crawler.ErrInvalidTransition)
	require.NoError(t, s.UpdateCodeStatus(ctx, id, crawler.StatusDone))
	require.ErrorIs(t, s.UpdateCodeStatus(ctx, id, crawler.StatusError), crawler.ErrInvalidTransition)
	require.ErrorIs(t, s.UpdateCodeStatus(ctx, 999, crawler.StatusDone), crawler.ErrNotFound)

	pending, err := s.PendingCodes(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRequeueErrorsAndStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SaveCode(ctx, "10", "/product/10/"))
	require.NoError(t, s.SaveCode(ctx, "12", "/product/12/"))
	require.NoError(t, s.SaveName(ctx, "10", "A", "/a"))
	require.NoError(t, s.SaveName(ctx, "10", "B", "/b"))
	codes := s.Codes()
	names := s.Names()
	require.NoError(t, s.UpdateCodeStatus(ctx, codes[0].ID, crawler.StatusDone))
	require.NoError(t, s.UpdateCodeStatus(ctx, codes[1].ID, crawler.StatusError))
	require.NoError(t, s.UpdateNameStatus(ctx, names[0].ID, crawler.StatusError))
	require.NoError(t, s.SaveFileRecord(ctx, "B", "f1", "https://cdn.test/f1.pdf"))
	require.NoError(t, s.SaveFileRecord(ctx, "B", "f1", "https://cdn.test/f1.pdf"))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.Stats{
		Codes: crawler.StatusCount{Done: 1, Error: 1},
		Names: crawler.StatusCount{Pending: 1, Error: 1},
		Files: 2,
	}, st)

	res, err := s.RequeueErrors(ctx, crawler.RequeueTarget{Names: true})
	require.NoError(t, err)
	require.Equal(t, crawler.RequeueResult{Names: 1}, res)

	pending, err := s.PendingNames(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	pendingCodes, err := s.PendingCodes(ctx)
	require.NoError(t, err)
	require.Empty(t, pendingCodes)
}
