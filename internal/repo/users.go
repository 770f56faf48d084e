package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"campusbarter/internal/domain"
)

const userCols = `id,name,email,password_hash,COALESCE(profile_picture,''),COALESCE(bio,''),reputation_score,join_date`

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.ProfilePicture, &u.Bio, &u.ReputationScore, &u.JoinDate)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) (int64, error) {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `INSERT INTO users(name,email,password_hash,profile_picture,bio,reputation_score,join_date) VALUES (?,?,?,?,?,?,?)`,
		u.Name, u.Email, u.PasswordHash, nullable(u.ProfilePicture), nullable(u.Bio), u.ReputationScore, u.JoinDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email=?`, email))
}

// UpdateUser writes only the provided fields. Nil pointers are left untouched.
func (r Repo) UpdateUser(ctx context.Context, id int64, name, profilePicture, bio *string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if profilePicture != nil {
		fields = append(fields, "profile_picture=?")
		args = append(args, nullable(*profilePicture))
	}
	if bio != nil {
		fields = append(fields, "bio=?")
		args = append(args, nullable(*bio))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.ProfilePicture, &u.Bio, &u.ReputationScore, &u.JoinDate); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
