package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"campusbarter/internal/domain"
)

const itemCols = `id,user_id,title,description,category,COALESCE(condition,''),COALESCE(images,''),COALESCE(tags,''),status,date_listed`

func scanItemRow(scan func(dest ...any) error) (domain.Item, error) {
	var it domain.Item
	var images, tags string
	err := scan(&it.ID, &it.UserID, &it.Title, &it.Description, &it.Category, &it.Condition, &images, &tags, &it.Status, &it.DateListed)
	if err != nil {
		return it, err
	}
	it.Images = splitList(images)
	it.Tags = splitList(tags)
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.Item) (int64, error) {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `INSERT INTO items(user_id,title,description,category,condition,images,tags,status,date_listed) VALUES (?,?,?,?,?,?,?,?,?)`,
		it.UserID, it.Title, it.Description, it.Category, nullable(it.Condition), joinList(it.Images), joinList(it.Tags), it.Status, it.DateListed)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetItem(ctx context.Context, id int64) (domain.Item, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE id=?`, id)
	it, err := scanItemRow(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Item, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE id=?`, id)
	it, err := scanItemRow(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

// ItemUpdate carries the optional fields of an item update. Nil means keep.
type ItemUpdate struct {
	Title       *string
	Description *string
	Category    *string
	Condition   *string
	Images      []string
	Tags        []string
	Status      *string
}

func (r Repo) UpdateItem(ctx context.Context, id int64, upd ItemUpdate) error {
	return r.updateItem(ctx, nil, id, upd)
}

func (r Repo) UpdateItemTx(ctx context.Context, tx *sql.Tx, id int64, upd ItemUpdate) error {
	return r.updateItem(ctx, tx, id, upd)
}

func (r Repo) updateItem(ctx context.Context, tx *sql.Tx, id int64, upd ItemUpdate) error {
	var (
		fields []string
		args   []any
	)
	if upd.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, *upd.Description)
	}
	if upd.Category != nil {
		fields = append(fields, "category=?")
		args = append(args, *upd.Category)
	}
	if upd.Condition != nil {
		fields = append(fields, "condition=?")
		args = append(args, nullable(*upd.Condition))
	}
	if upd.Images != nil {
		fields = append(fields, "images=?")
		args = append(args, joinList(upd.Images))
	}
	if upd.Tags != nil {
		fields = append(fields, "tags=?")
		args = append(args, joinList(upd.Tags))
	}
	if upd.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *upd.Status)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, fmt.Sprintf(`UPDATE items SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetItemStatusTx flips an item's status only when it currently holds from.
// Returns ErrNotFound when the row is missing or no longer in that state.
func (r Repo) SetItemStatusTx(ctx context.Context, tx *sql.Tx, id int64, from, to string) error {
	res, err := tx.ExecContext(ctx, `UPDATE items SET status=? WHERE id=? AND status=?`, to, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteItemTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountLiveTradesForItemTx counts trades that reference the item and are not
// in a terminal status.
func (r Repo) CountLiveTradesForItemTx(ctx context.Context, tx *sql.Tx, itemID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM trade_items ti
JOIN trades t ON t.id=ti.trade_id
WHERE ti.item_id=? AND t.status IN (?,?)`,
		itemID, domain.TradePending, domain.TradeAccepted).Scan(&n)
	return n, err
}

// ItemFilter narrows ListItems. Zero values mean no filter.
type ItemFilter struct {
	UserID   int64
	Status   string
	Category string
}

func (r Repo) ListItems(ctx context.Context, f ItemFilter) ([]domain.Item, error) {
	var (
		clauses []string
		args    []any
	)
	if f.UserID != 0 {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	query := `SELECT ` + itemCols + ` FROM items`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY date_listed DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItemRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
