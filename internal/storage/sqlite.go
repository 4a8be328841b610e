package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/collections/set"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"gearwatch/internal/model"
	"gearwatch/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Filter dimensions stored in filter_values.
const (
	dimType    = "type"
	dimBrand   = "brand"
	dimAbility = "ability"
)

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Storage = (*SQLite)(nil)

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateUser inserts a user with a fresh opaque code.
func (s *SQLite) CreateUser(ctx context.Context) (*model.User, error) {
	now := time.Now().UTC().Format(timeLayout)
	code := uuid.New().String()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (code, last_notified, created_at) VALUES (?, 0, ?)`,
		code, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	u := &model.User{ID: id, Code: code}
	u.CreatedAt, _ = time.Parse(timeLayout, now)
	return u, nil
}

// GetUser returns a single user by its ID.
func (s *SQLite) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var (
		u            model.User
		lastNotified int64
		created      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, last_notified, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Code, &lastNotified, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.LastNotified = fromUnix(lastNotified)
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return &u, nil
}

// AdvanceWatermark raises the user's last-notified expiration to exp. It
// never moves the watermark backwards.
func (s *SQLite) AdvanceWatermark(ctx context.Context, userID int64, exp time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_notified = ? WHERE id = ? AND last_notified < ?`,
		exp.Unix(), userID, exp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// SaveFilter stores f, reusing the existing row when an identical filter is
// already stored. f.ID is set either way.
func (s *SQLite) SaveFilter(ctx context.Context, f *model.Filter) error {
	key := f.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM filters WHERE value_key = ?`, key).Scan(&id)
	switch {
	case err == nil:
		f.ID = id
		return tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup filter: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO filters (value_key, gear_name, min_rarity, created_at) VALUES (?, ?, ?, ?)`,
		key, f.GearName, f.MinRarity, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert filter: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	for dim, values := range map[string]set.Strings{dimType: f.Types, dimBrand: f.Brands, dimAbility: f.Abilities} {
		for _, v := range values.SortedValues() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO filter_values (filter_id, dimension, value) VALUES (?, ?, ?)`, id, dim, v,
			); err != nil {
				return fmt.Errorf("insert filter value: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit filter: %w", err)
	}
	f.ID = id
	return nil
}

// AttachFilter subscribes a user to a stored filter.
func (s *SQLite) AttachFilter(ctx context.Context, userID, filterID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_filters (user_id, filter_id) VALUES (?, ?)`, userID, filterID,
	)
	if err != nil {
		return fmt.Errorf("attach filter: %w", err)
	}
	return nil
}

// DetachFilter removes a user's subscription to a filter. It returns
// ErrNotFound when the user was not subscribed to it.
func (s *SQLite) DetachFilter(ctx context.Context, userID, filterID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_filters WHERE user_id = ? AND filter_id = ?`, userID, filterID,
	)
	if err != nil {
		return fmt.Errorf("detach filter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("filter %d for user %d: %w", filterID, userID, ErrNotFound)
	}
	return nil
}

// ListUserFilters returns the filters a user is subscribed to.
func (s *SQLite) ListUserFilters(ctx context.Context, userID int64) ([]model.Filter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.gear_name, f.min_rarity
		 FROM filters f JOIN user_filters uf ON uf.filter_id = f.id
		 WHERE uf.user_id = ? ORDER BY f.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	var filters []model.Filter
	for rows.Next() {
		f := model.Filter{Types: set.NewStrings(), Brands: set.NewStrings(), Abilities: set.NewStrings()}
		if err := rows.Scan(&f.ID, &f.GearName, &f.MinRarity); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan filter: %w", err)
		}
		filters = append(filters, f)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate filters: %w", err)
	}
	_ = rows.Close()

	for i := range filters {
		if err := s.loadFilterValues(ctx, &filters[i]); err != nil {
			return nil, err
		}
	}
	return filters, nil
}

func (s *SQLite) loadFilterValues(ctx context.Context, f *model.Filter) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dimension, value FROM filter_values WHERE filter_id = ?`, f.ID,
	)
	if err != nil {
		return fmt.Errorf("query filter values: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var dim, v string
		if err := rows.Scan(&dim, &v); err != nil {
			return fmt.Errorf("scan filter value: %w", err)
		}
		switch dim {
		case dimType:
			f.Types.Add(v)
		case dimBrand:
			f.Brands.Add(v)
		case dimAbility:
			f.Abilities.Add(v)
		}
	}
	return rows.Err()
}

// dimensionClause accepts the gear value when the filter has no values for
// dim, or lists it.
func dimensionClause(dim string) string {
	return `(NOT EXISTS (SELECT 1 FROM filter_values v WHERE v.filter_id = f.id AND v.dimension = '` + dim + `')
	   OR EXISTS (SELECT 1 FROM filter_values v WHERE v.filter_id = f.id AND v.dimension = '` + dim + `' AND v.value = ?))`
}

var matchQuery = `SELECT DISTINCT u.id, u.code, u.last_notified
	FROM filters f
	JOIN user_filters uf ON uf.filter_id = f.id
	JOIN users u ON u.id = uf.user_id
	WHERE f.min_rarity <= ?
	  AND (f.gear_name = '' OR f.gear_name = ?)
	  AND ` + dimensionClause(dimType) + `
	  AND ` + dimensionClause(dimBrand) + `
	  AND ` + dimensionClause(dimAbility) + `
	ORDER BY u.id`

// MatchingRecipients returns every user owning at least one filter that
// accepts g.
func (s *SQLite) MatchingRecipients(ctx context.Context, g model.Gear) ([]model.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, matchQuery,
		g.Rarity, g.Name, string(g.Type), g.Brand, g.Ability,
	)
	if err != nil {
		return nil, fmt.Errorf("query matching users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Recipient
	for rows.Next() {
		var (
			r            model.Recipient
			lastNotified int64
		)
		if err := rows.Scan(&r.UserID, &r.Code, &lastNotified); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.LastNotified = fromUnix(lastNotified)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddSubscription registers a push endpoint and populates its ID and
// CreatedAt.
func (s *SQLite) AddSubscription(ctx context.Context, sub *model.Subscription) error {
	now := time.Now().UTC().Format(timeLayout)
	kind := sub.Kind
	if kind == "" {
		kind = model.KindWebPush
	}
	var expires *string
	if sub.ExpiresAt != nil {
		v := sub.ExpiresAt.UTC().Format(timeLayout)
		expires = &v
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, kind, endpoint, p256dh, auth, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, string(kind), sub.Endpoint, sub.P256dh, sub.Auth, expires, now,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.Kind = kind
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListSubscriptions returns the user's subscriptions that have not expired
// at now.
func (s *SQLite) ListSubscriptions(ctx context.Context, userID int64, now time.Time) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, endpoint, p256dh, auth, expires_at, created_at
		 FROM subscriptions
		 WHERE user_id = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY id`,
		userID, now.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		var (
			sub     model.Subscription
			kind    string
			expires sql.NullString
			created string
		)
		if err := rows.Scan(&sub.ID, &sub.UserID, &kind, &sub.Endpoint, &sub.P256dh, &sub.Auth, &expires, &created); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Kind = model.SubscriptionKind(kind)
		if expires.Valid {
			t, _ := time.Parse(timeLayout, expires.String)
			sub.ExpiresAt = &t
		}
		sub.CreatedAt, _ = time.Parse(timeLayout, created)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// FindSubscription returns the oldest subscription of kind registered for
// endpoint.
func (s *SQLite) FindSubscription(ctx context.Context, kind model.SubscriptionKind, endpoint string) (*model.Subscription, error) {
	var (
		sub     model.Subscription
		k       string
		expires sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, kind, endpoint, p256dh, auth, expires_at, created_at
		 FROM subscriptions WHERE kind = ? AND endpoint = ?
		 ORDER BY id LIMIT 1`,
		string(kind), endpoint,
	).Scan(&sub.ID, &sub.UserID, &k, &sub.Endpoint, &sub.P256dh, &sub.Auth, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s subscription %q: %w", kind, endpoint, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Kind = model.SubscriptionKind(k)
	if expires.Valid {
		t, _ := time.Parse(timeLayout, expires.String)
		sub.ExpiresAt = &t
	}
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	return &sub, nil
}

// DeleteSubscription removes a subscription by its ID.
func (s *SQLite) DeleteSubscription(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// GetKV returns the value stored under key.
func (s *SQLite) GetKV(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get kv %s: %w", key, err)
	}
	return v, true, nil
}

// PutKV stores value under key, replacing any previous value.
func (s *SQLite) PutKV(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put kv %s: %w", key, err)
	}
	return nil
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
