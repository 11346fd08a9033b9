package stats

import (
	"context"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/vetta/errors"
	vettatest "github.com/teranos/vetta/internal/testing"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn := vettatest.CreateTestDB(t)
	return NewStore(conn, zaptest.NewLogger(t).Sugar())
}

func TestRecordAndSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.Record(ctx, []string{"cat", "sofa"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.Record(ctx, []string{"cat", "dog"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, err = s.Record(ctx, nil)
	require.NoError(t, err)

	summary, err := s.Summary(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Count)
	assert.Equal(t, []string{"cat", "dog"}, summary.TopTags, "ties break alphabetically")
}

func TestSummaryEmpty(t *testing.T) {
	s := newTestStore(t)

	summary, err := s.Summary(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Count)
	assert.NotNil(t, summary.TopTags)
	assert.Empty(t, summary.TopTags)
}

func TestSummaryDefaultTopN(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTags(ctx, []string{"a", "b", "c", "d", "e", "f", "g", ""}))
	require.NoError(t, s.RecordTags(ctx, []string{"g", "g"}))

	summary, err := s.Summary(ctx, 0)
	require.NoError(t, err)
	require.Len(t, summary.TopTags, DefaultTopN)
	assert.Equal(t, "g", summary.TopTags[0])
}

func TestIncrementImages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := s.IncrementImages(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}
}

func TestRecordConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Record(ctx, []string{"cat"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	summary, err := s.Summary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), summary.Count)
	assert.Equal(t, []string{"cat"}, summary.TopTags)
}

// --- Sqlmock Tests ---

func TestRecord_RollsBackOnTagFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	s := NewStore(conn, zaptest.NewLogger(t).Sugar())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO image_count`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT count FROM image_count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectExec(`INSERT INTO tag_counts`).
		WithArgs("cat").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = s.Record(context.Background(), []string{"cat"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `record tag "cat"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSummary_QueryError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	s := NewStore(conn, zaptest.NewLogger(t).Sugar())

	mock.ExpectQuery(`SELECT count FROM image_count`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT tag FROM tag_counts`).
		WithArgs(5).
		WillReturnError(errors.New("no such table: tag_counts"))

	_, err = s.Summary(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query top tags")
	assert.NoError(t, mock.ExpectationsWereMet())
}
