package repo

import (
	"context"
	"database/sql"
	"strings"

	"campusbarter/internal/domain"
)

const tradeCols = `id,initiator_id,recipient_id,status,version,creation_date,completion_date`

func scanTradeRow(scan func(dest ...any) error) (domain.Trade, error) {
	var t domain.Trade
	var completion sql.NullString
	err := scan(&t.ID, &t.InitiatorID, &t.RecipientID, &t.Status, &t.Version, &t.CreationDate, &completion)
	if err != nil {
		return t, err
	}
	if completion.Valid {
		t.CompletionDate = &completion.String
	}
	return t, nil
}

// InsertTradeTx writes the trade row and its item bindings.
func (r Repo) InsertTradeTx(ctx context.Context, tx *sql.Tx, t domain.Trade) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO trades(initiator_id,recipient_id,status,version,creation_date) VALUES (?,?,?,?,?)`,
		t.InitiatorID, t.RecipientID, t.Status, t.Version, t.CreationDate)
	if err != nil {
		return 0, err
	}
	tradeID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, ti := range t.Items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO trade_items(trade_id,role,item_id) VALUES (?,?,?)`,
			tradeID, ti.Role, ti.ItemID); err != nil {
			return 0, err
		}
	}
	return tradeID, nil
}

func (r Repo) GetTrade(ctx context.Context, id int64) (domain.Trade, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id=?`, id)
	t, err := scanTradeRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	items, err := r.tradeItems(ctx, r.DB.QueryContext, id)
	if err != nil {
		return t, err
	}
	t.Items = items
	msgs, err := r.ListMessages(ctx, id, 0, 0)
	if err != nil {
		return t, err
	}
	t.Messages = msgs
	return t, nil
}

// GetTradeTx loads the trade row and its items inside tx. Messages are not
// loaded; transitions never need them.
func (r Repo) GetTradeTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Trade, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id=?`, id)
	t, err := scanTradeRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	items, err := r.tradeItems(ctx, tx.QueryContext, id)
	if err != nil {
		return t, err
	}
	t.Items = items
	return t, nil
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) tradeItems(ctx context.Context, query queryFn, tradeID int64) ([]domain.TradeItem, error) {
	rows, err := query(ctx, `SELECT id,trade_id,role,item_id FROM trade_items WHERE trade_id=? ORDER BY id ASC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TradeItem
	for rows.Next() {
		var ti domain.TradeItem
		if err := rows.Scan(&ti.ID, &ti.TradeID, &ti.Role, &ti.ItemID); err != nil {
			return nil, err
		}
		res = append(res, ti)
	}
	return res, rows.Err()
}

// ListTradesForUser returns trades where the user is initiator or recipient,
// newest first, optionally filtered by status. Items are attached; message
// threads are left to GetTrade.
func (r Repo) ListTradesForUser(ctx context.Context, userID int64, status string) ([]domain.Trade, error) {
	clauses := []string{"(initiator_id=? OR recipient_id=?)"}
	args := []any{userID, userID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + tradeCols + ` FROM trades WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY creation_date DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trade
	for rows.Next() {
		t, err := scanTradeRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		items, err := r.tradeItems(ctx, r.DB.QueryContext, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Items = items
	}
	return res, nil
}

// AdvanceTradeStatusTx moves the trade to newStatus only if it still sits at
// oldStatus with the given version. Returns ErrNotFound when another writer
// got there first; completionDate is written only when non-nil.
func (r Repo) AdvanceTradeStatusTx(ctx context.Context, tx *sql.Tx, id int64, oldStatus, newStatus string, version int64, completionDate *string) error {
	var (
		res sql.Result
		err error
	)
	if completionDate != nil {
		res, err = tx.ExecContext(ctx, `UPDATE trades SET status=?, version=version+1, completion_date=? WHERE id=? AND status=? AND version=?`,
			newStatus, *completionDate, id, oldStatus, version)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE trades SET status=?, version=version+1 WHERE id=? AND status=? AND version=?`,
			newStatus, id, oldStatus, version)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOpenTradesForUser counts non-terminal trades the user initiated.
func (r Repo) CountOpenTradesForUser(ctx context.Context, tx *sql.Tx, userID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE initiator_id=? AND status IN (?,?)`,
		userID, domain.TradePending, domain.TradeAccepted).Scan(&n)
	return n, err
}
