// Package stats keeps process-wide usage statistics: how many images were
// checked and how often each tag was seen.
package stats

import (
	"context"
	"database/sql"

	"github.com/teranos/vetta/errors"
	"go.uber.org/zap"
)

// DefaultTopN is the number of tags reported by Summary when n <= 0
const DefaultTopN = 5

// Summary is the public statistics view
type Summary struct {
	Count   int64    `json:"count"`
	TopTags []string `json:"top_tags"`
}

// Store persists statistics in the image_count and tag_counts tables
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a store over a migrated database
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger.Named("stats")}
}

// Record counts one processed image and its tags in a single transaction.
// Returns the new image count.
func (s *Store) Record(ctx context.Context, tags []string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin statistics tx")
	}
	defer tx.Rollback()

	count, err := incrementImages(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := recordTags(ctx, tx, tags); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit statistics")
	}

	s.logger.Debugw("Recorded image", "count", count, "tags", len(tags))
	return count, nil
}

// IncrementImages counts one processed image and returns the new count
func (s *Store) IncrementImages(ctx context.Context) (int64, error) {
	return incrementImages(ctx, s.db)
}

// RecordTags counts each tag occurrence
func (s *Store) RecordTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin statistics tx")
	}
	defer tx.Rollback()

	if err := recordTags(ctx, tx, tags); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tags")
}

// Summary returns the image count and the n most frequent tags.
// Ties are broken alphabetically.
func (s *Store) Summary(ctx context.Context, n int) (Summary, error) {
	if n <= 0 {
		n = DefaultTopN
	}

	var summary Summary
	err := s.db.QueryRowContext(ctx, "SELECT count FROM image_count WHERE id = 1").Scan(&summary.Count)
	if err != nil && err != sql.ErrNoRows {
		return Summary{}, errors.Wrap(err, "query image count")
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT tag FROM tag_counts ORDER BY count DESC, tag ASC LIMIT ?", n)
	if err != nil {
		return Summary{}, errors.Wrap(err, "query top tags")
	}
	defer rows.Close()

	summary.TopTags = []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return Summary{}, errors.Wrap(err, "scan tag")
		}
		summary.TopTags = append(summary.TopTags, tag)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, errors.Wrap(err, "iterate top tags")
	}
	return summary, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func incrementImages(ctx context.Context, q execQuerier) (int64, error) {
	_, err := q.ExecContext(ctx,
		"INSERT INTO image_count (id, count) VALUES (1, 1) ON CONFLICT(id) DO UPDATE SET count = count + 1")
	if err != nil {
		return 0, errors.Wrap(err, "increment image count")
	}
	var count int64
	if err := q.QueryRowContext(ctx, "SELECT count FROM image_count WHERE id = 1").Scan(&count); err != nil {
		return 0, errors.Wrap(err, "read image count")
	}
	return count, nil
}

func recordTags(ctx context.Context, q execQuerier, tags []string) error {
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		_, err := q.ExecContext(ctx,
			"INSERT INTO tag_counts (tag, count) VALUES (?, 1) ON CONFLICT(tag) DO UPDATE SET count = count + 1",
			tag)
		if err != nil {
			return errors.Wrapf(err, "record tag %q", tag)
		}
	}
	return nil
}
