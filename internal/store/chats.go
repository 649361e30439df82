package store

import (
	"context"
	"time"
)

// RegisterChat inserts a subscription row. It returns created=false when the
// chat is already registered; the existing row only gets its updated_at
// touched.
func (s *Store) RegisterChat(ctx context.Context, chatID int64) (created bool, err error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(chat_id, created_at, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(chat_id) DO NOTHING`,
		chatID, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		_, err = s.db.ExecContext(ctx,
			`UPDATE chats SET updated_at = ? WHERE chat_id = ?`, now, chatID)
		return false, err
	}
	return true, nil
}

// UnregisterChat removes a subscription row. removed=false means the chat was
// not registered in the first place.
func (s *Store) UnregisterChat(ctx context.Context, chatID int64) (removed bool, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ChatIDs returns every registered chat id. The scheduler reads this on
// startup to rebuild delivery jobs.
func (s *Store) ChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PutJob upserts a job-mirror row. Re-registering the same job id replaces
// the previous row, mirroring the scheduler's replace-not-duplicate rule.
func (s *Store) PutJob(ctx context.Context, id, kind string, chatID int64, spec string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, kind, chat_id, spec, created_at) VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET kind = excluded.kind,
		                               chat_id = excluded.chat_id,
		                               spec = excluded.spec`,
		id, kind, chatID, spec, time.Now().UTC().Format(time.RFC3339))
	return err
}

// DeleteJob removes a job-mirror row.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// JobIDs returns all persisted job ids.
func (s *Store) JobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
