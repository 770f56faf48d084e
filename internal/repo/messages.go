package repo

import (
	"context"
	"database/sql"

	"campusbarter/internal/domain"
)

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO messages(trade_id,sender_id,content,timestamp) VALUES (?,?,?,?)`,
		m.TradeID, m.SenderID, m.Content, m.Timestamp)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LastMessageTimestampTx returns the newest message timestamp in the trade's
// thread, or "" for an empty thread.
func (r Repo) LastMessageTimestampTx(ctx context.Context, tx *sql.Tx, tradeID int64) (string, error) {
	var ts string
	err := tx.QueryRowContext(ctx, `SELECT timestamp FROM messages WHERE trade_id=? ORDER BY timestamp DESC, id DESC LIMIT 1`, tradeID).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return ts, err
}

// ListMessages returns a trade's thread oldest first. sinceID skips messages
// with id <= sinceID; limit 0 means no cap.
func (r Repo) ListMessages(ctx context.Context, tradeID, sinceID int64, limit int) ([]domain.Message, error) {
	query := `SELECT id,trade_id,sender_id,content,timestamp FROM messages WHERE trade_id=? AND id > ? ORDER BY timestamp ASC, id ASC`
	args := []any{tradeID, sinceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.TradeID, &m.SenderID, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
