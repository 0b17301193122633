package sqlxrepos

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/EkeHanson/complete-lms-sub000/core/user"
)

const (
	uniqueViolation = "23505"

	userColumns = `id, email, first_name, last_name, role, is_active, tenant_id, tenant_schema,
		qa_stats, password, created_at, updated_at, last_login`
)

type userRow struct {
	ID           int            `db:"id"`
	Email        string         `db:"email"`
	FirstName    string         `db:"first_name"`
	LastName     string         `db:"last_name"`
	Role         string         `db:"role"`
	IsActive     bool           `db:"is_active"`
	TenantID     string         `db:"tenant_id"`
	TenantSchema string         `db:"tenant_schema"`
	QAStats      sql.NullString `db:"qa_stats"`
	Password     []byte         `db:"password"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	LastLogin    sql.NullTime   `db:"last_login"`
}

func newUserRow(usr user.User) (userRow, error) {
	row := userRow{
		ID:           usr.ID,
		Email:        usr.Email,
		FirstName:    usr.FirstName,
		LastName:     usr.LastName,
		Role:         usr.Role,
		IsActive:     usr.IsActive,
		TenantID:     usr.TenantID,
		TenantSchema: usr.TenantSchema,
		Password:     usr.PasswordHash,
		CreatedAt:    usr.CreatedAt,
		UpdatedAt:    usr.UpdatedAt,
		LastLogin:    sql.NullTime{Time: usr.LastLogin, Valid: !usr.LastLogin.IsZero()},
	}
	if usr.QAStats != nil {
		stats, err := json.Marshal(usr.QAStats)
		if err != nil {
			return userRow{}, errors.Wrap(err, "encoding qa_stats")
		}
		row.QAStats = sql.NullString{String: string(stats), Valid: true}
	}
	return row, nil
}

func (row userRow) user() (user.User, error) {
	usr := user.User{
		ID:           row.ID,
		Email:        row.Email,
		FirstName:    row.FirstName,
		LastName:     row.LastName,
		Role:         row.Role,
		IsActive:     row.IsActive,
		TenantID:     row.TenantID,
		TenantSchema: row.TenantSchema,
		PasswordHash: row.Password,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	if row.LastLogin.Valid {
		usr.LastLogin = row.LastLogin.Time.UTC()
	}
	if row.QAStats.Valid {
		if err := json.Unmarshal([]byte(row.QAStats.String), &usr.QAStats); err != nil {
			return user.User{}, errors.Wrap(err, "decoding qa_stats")
		}
	}
	return usr, nil
}

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil)

// NewUserRepository returns a user.Repository over the lms_user table.
func NewUserRepository(db *sqlx.DB) user.Repository {
	return &userRepository{db: db}
}

func isUniqueViolation(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	return ok && pqErr.Code == uniqueViolation
}

func (repo *userRepository) get(query string, args ...interface{}) (user.User, error) {
	var row userRow
	if err := repo.db.Get(&row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, errors.Wrap(err, "selecting user")
	}
	return row.user()
}

func (repo *userRepository) CheckEmailUniqueness(email string, excludedUsers ...user.User) error {
	var id int
	if err := repo.db.Get(&id, `SELECT id FROM lms_user WHERE email = $1`, email); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return errors.Wrap(err, "checking email uniqueness")
	}
	for _, excl := range excludedUsers {
		if excl.ID == id {
			return nil
		}
	}
	return user.ErrEmailExists
}

func (repo *userRepository) CreateUser(usr user.User) (user.User, error) {
	row, err := newUserRow(usr)
	if err != nil {
		return user.User{}, err
	}

	stmt, err := repo.db.PrepareNamed(`
		INSERT INTO lms_user (email, first_name, last_name, role, is_active, tenant_id, tenant_schema,
			qa_stats, password, created_at, updated_at, last_login)
		VALUES (:email, :first_name, :last_name, :role, :is_active, :tenant_id, :tenant_schema,
			:qa_stats, :password, :created_at, :updated_at, :last_login)
		RETURNING id`)
	if err != nil {
		return user.User{}, errors.Wrap(err, "preparing insert")
	}
	defer func() { _ = stmt.Close() }()

	if err = stmt.Get(&usr.ID, row); err != nil {
		if isUniqueViolation(err) {
			return user.User{}, user.ErrEmailExists
		}
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo *userRepository) QueryAllUsers() ([]user.User, error) {
	var rows []userRow
	if err := repo.db.Select(&rows, `SELECT `+userColumns+` FROM lms_user ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "selecting users")
	}
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		usr, err := row.user()
		if err != nil {
			return nil, err
		}
		users = append(users, usr)
	}
	return users, nil
}

func (repo *userRepository) GetUserByID(id int) (user.User, error) {
	return repo.get(`SELECT `+userColumns+` FROM lms_user WHERE id = $1`, id)
}

func (repo *userRepository) GetUserByEmail(email string) (user.User, error) {
	return repo.get(`SELECT `+userColumns+` FROM lms_user WHERE email = $1`, email)
}

func (repo *userRepository) UpdateUser(usr user.User) (user.User, error) {
	row, err := newUserRow(usr)
	if err != nil {
		return user.User{}, err
	}

	res, err := repo.db.NamedExec(`
		UPDATE lms_user SET email = :email, first_name = :first_name, last_name = :last_name, role = :role,
			is_active = :is_active, tenant_id = :tenant_id, tenant_schema = :tenant_schema, qa_stats = :qa_stats,
			password = :password, updated_at = :updated_at, last_login = :last_login
		WHERE id = :id`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return user.User{}, user.ErrEmailExists
		}
		return user.User{}, errors.Wrap(err, "updating user")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return user.User{}, errors.Wrap(err, "updating user")
	}
	if n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return usr, nil
}
