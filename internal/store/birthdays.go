package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	logx "bdaybot/pkg/logx"
)

// Birthday is one roster record. The year part of Date is carried but not
// meaningful: a birthday is a recurring annual event.
type Birthday struct {
	ID   int64
	Name string
	Date time.Time
}

// Entry is a (name, date) pair used for bulk loads.
type Entry struct {
	Name string
	Date time.Time
}

// Bound is one edge of a date-window query: either a concrete date (On) or a
// raw string parsed as ISO-8601 yyyy-mm-dd (OnString). A malformed string is
// silently replaced with the current-year bound: January 1 for the start
// edge, December 31 for the end edge. Deliberate policy, keep it.
type Bound struct {
	t      time.Time
	raw    string
	isText bool
}

func On(t time.Time) Bound    { return Bound{t: t} }
func OnString(s string) Bound { return Bound{raw: s, isText: true} }

func (b Bound) resolve(endEdge bool, now time.Time) time.Time {
	if !b.isText {
		return b.t
	}
	t, err := parseDate(b.raw)
	if err == nil {
		return t
	}
	if endEdge {
		return time.Date(now.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
}

// GetBirthday returns the record with the given name, or nil when absent.
func (s *Store) GetBirthday(ctx context.Context, name string) (*Birthday, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, date FROM birthdays WHERE name = ?`, name)
	b, err := scanBirthday(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// AllBirthdays returns every record in storage order.
func (s *Store) AllBirthdays(ctx context.Context) ([]Birthday, error) {
	return s.queryBirthdays(ctx, `SELECT id, name, date FROM birthdays`)
}

// CountBirthdays returns the total record count.
func (s *Store) CountBirthdays(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(name) FROM birthdays`).Scan(&n)
	return n, err
}

// FirstBirthday returns the record with the minimum date. Ties are broken by
// whatever the engine encounters first in storage order; callers must not
// rely on tie order. Returns nil on an empty table.
func (s *Store) FirstBirthday(ctx context.Context) (*Birthday, error) {
	return s.oneBirthday(ctx,
		`SELECT id, name, date FROM birthdays ORDER BY date ASC LIMIT 1`)
}

// LastBirthday returns the record with the maximum date; same tie-break
// don't-care as FirstBirthday. Returns nil on an empty table.
func (s *Store) LastBirthday(ctx context.Context) (*Birthday, error) {
	return s.oneBirthday(ctx,
		`SELECT id, name, date FROM birthdays ORDER BY date DESC LIMIT 1`)
}

// BirthdaysBetween returns records whose date falls inclusively in [start, end].
func (s *Store) BirthdaysBetween(ctx context.Context, start, end Bound) ([]Birthday, error) {
	now := time.Now()
	return s.queryBirthdays(ctx,
		`SELECT id, name, date FROM birthdays WHERE date BETWEEN ? AND ?`,
		formatDate(start.resolve(false, now)), formatDate(end.resolve(true, now)))
}

// TodayBirthdays returns records dated exactly ref. A zero ref means the
// current date.
func (s *Store) TodayBirthdays(ctx context.Context, ref time.Time) ([]Birthday, error) {
	if ref.IsZero() {
		ref = time.Now()
	}
	return s.BirthdaysBetween(ctx, On(ref), On(ref))
}

// FutureBirthdays returns records dated strictly after ref and at most
// horizonDays after it. A zero ref means the current date; horizonDays <= 0
// defaults to 3.
func (s *Store) FutureBirthdays(ctx context.Context, ref time.Time, horizonDays int) ([]Birthday, error) {
	if ref.IsZero() {
		ref = time.Now()
	}
	if horizonDays <= 0 {
		horizonDays = 3
	}
	return s.BirthdaysBetween(ctx,
		On(ref.AddDate(0, 0, 1)), On(ref.AddDate(0, 0, horizonDays)))
}

// FutureAllBirthdays returns all records dated strictly after ref, unbounded.
// Used for validation, not user-facing delivery.
func (s *Store) FutureAllBirthdays(ctx context.Context, ref time.Time) ([]Birthday, error) {
	if ref.IsZero() {
		ref = time.Now()
	}
	return s.queryBirthdays(ctx,
		`SELECT id, name, date FROM birthdays WHERE date > ?`, formatDate(ref))
}

// RefreshBirthdays clears the table and bulk-inserts the given entries in one
// transaction. A failing row is logged and skipped; it never aborts the batch.
func (s *Store) RefreshBirthdays(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM birthdays`); err != nil {
		return err
	}
	s.insertEntries(ctx, tx, entries)
	return tx.Commit()
}

// BulkSaveBirthdays appends entries without clearing existing rows.
// Per-row failures (duplicate names included) are logged and skipped.
func (s *Store) BulkSaveBirthdays(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	s.insertEntries(ctx, tx, entries)
	return tx.Commit()
}

func (s *Store) insertEntries(ctx context.Context, tx *sql.Tx, entries []Entry) {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO birthdays(name, date) VALUES(?, ?)`,
			e.Name, formatDate(e.Date))
		if err != nil {
			s.log.Warn("birthday insert skipped",
				logx.String("name", e.Name), logx.Err(err))
		}
	}
}

// UpsertBirthday inserts the record or, when the name already exists,
// overwrites its date. Single conditional statement, no read-then-write.
func (s *Store) UpsertBirthday(ctx context.Context, name string, date time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO birthdays(name, date) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET date = excluded.date`,
		name, formatDate(date))
	return err
}

// InsertBirthdayIgnore inserts the record, leaving an existing row with the
// same name untouched.
func (s *Store) InsertBirthdayIgnore(ctx context.Context, name string, date time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO birthdays(name, date) VALUES(?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		name, formatDate(date))
	return err
}

func (s *Store) oneBirthday(ctx context.Context, query string) (*Birthday, error) {
	b, err := scanBirthday(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) queryBirthdays(ctx context.Context, query string, args ...any) ([]Birthday, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Birthday
	for rows.Next() {
		var (
			b    Birthday
			date string
		)
		if err := rows.Scan(&b.ID, &b.Name, &date); err != nil {
			return nil, err
		}
		if b.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dst ...any) error
}

func scanBirthday(row rowScanner) (*Birthday, error) {
	var (
		b    Birthday
		date string
	)
	if err := row.Scan(&b.ID, &b.Name, &date); err != nil {
		return nil, err
	}
	var err error
	if b.Date, err = parseDate(date); err != nil {
		return nil, err
	}
	return &b, nil
}
