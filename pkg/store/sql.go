package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/dsconnector/pkg/contracts"
)

// Dialect selects the placeholder style of the backing database.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStore persists state in SQLite (lite mode) or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens (or creates) a SQLite database at path. SQLite allows a
// single writer, so the pool is limited to one connection.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(db, DialectSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to the database named by url.
func OpenPostgres(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	s, err := NewSQLStore(db, DialectPostgres)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps db and creates the schema if needed.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS negotiations (
		id TEXT PRIMARY KEY,
		issuer TEXT NOT NULL,
		state TEXT NOT NULL,
		agreement_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agreements (
		id TEXT PRIMARY KEY,
		consumer TEXT NOT NULL,
		provider TEXT NOT NULL,
		confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_counters (
		agreement_id TEXT NOT NULL,
		target TEXT NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (agreement_id, target)
	)`,
}

func (s *SQLStore) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLStore) conn(ctx context.Context) querier {
	if sc := scopeFrom(ctx); sc != nil && sc.tx != nil {
		return sc.tx
	}
	return s.db
}

func (s *SQLStore) Within(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	sc := &scope{tx: tx}
	txCtx := context.WithValue(ctx, scopeKey{}, sc)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			sc.compensate()
			panic(p)
		}
	}()

	if err = fn(txCtx); err != nil {
		_ = tx.Rollback()
		sc.compensate()
		return err
	}
	if err = tx.Commit(); err != nil {
		sc.compensate()
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) GetNegotiation(ctx context.Context, id string) (*Negotiation, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		s.bind(`SELECT id, issuer, state, agreement_id, updated_at FROM negotiations WHERE id = ?`), id)
	n, err := scanNegotiation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("negotiation %s: %w", id, ErrNotFound)
	}
	return n, err
}

func (s *SQLStore) NegotiationByAgreement(ctx context.Context, agreementID string) (*Negotiation, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		s.bind(`SELECT id, issuer, state, agreement_id, updated_at FROM negotiations WHERE agreement_id = ?`), agreementID)
	n, err := scanNegotiation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("negotiation for agreement %s: %w", agreementID, ErrNotFound)
	}
	return n, err
}

func scanNegotiation(row *sql.Row) (*Negotiation, error) {
	var n Negotiation
	var updated string
	if err := row.Scan(&n.ID, &n.Issuer, &n.State, &n.AgreementID, &updated); err != nil {
		return nil, err
	}
	if updated != "" {
		t, err := time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			return nil, fmt.Errorf("negotiation %s: bad updated_at: %w", n.ID, err)
		}
		n.UpdatedAt = t
	}
	return &n, nil
}

func (s *SQLStore) PutNegotiation(ctx context.Context, n *Negotiation) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("negotiation id must not be empty")
	}
	updated := n.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.conn(ctx).ExecContext(ctx, s.bind(`INSERT INTO negotiations (id, issuer, state, agreement_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, agreement_id = excluded.agreement_id, updated_at = excluded.updated_at`),
		n.ID, n.Issuer, n.State, n.AgreementID, updated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: put negotiation %s: %w", n.ID, err)
	}
	return nil
}

func (s *SQLStore) GetAgreement(ctx context.Context, id string) (*contracts.ContractAgreement, error) {
	var body string
	err := s.conn(ctx).QueryRowContext(ctx, s.bind(`SELECT body FROM agreements WHERE id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agreement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agreement %s: %w", id, err)
	}
	var a contracts.ContractAgreement
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("store: decode agreement %s: %w", id, err)
	}
	return &a, nil
}

func (s *SQLStore) PutAgreement(ctx context.Context, a *contracts.ContractAgreement) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("agreement id must not be empty")
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: encode agreement %s: %w", a.ID, err)
	}
	_, err = s.conn(ctx).ExecContext(ctx, s.bind(`INSERT INTO agreements (id, consumer, provider, confirmed, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET confirmed = excluded.confirmed, body = excluded.body`),
		a.ID, a.Consumer, a.Provider, a.Confirmed, string(body))
	if err != nil {
		return fmt.Errorf("store: put agreement %s: %w", a.ID, err)
	}
	return nil
}

// IncrementIfBelow is a conditional update: the row is only bumped while
// count < max, so concurrent callers can never overshoot.
func (s *SQLStore) IncrementIfBelow(ctx context.Context, agreementID, target string, max int64) (int64, bool, error) {
	q := s.conn(ctx)
	if _, err := q.ExecContext(ctx, s.bind(`INSERT INTO usage_counters (agreement_id, target, count)
		VALUES (?, ?, 0) ON CONFLICT (agreement_id, target) DO NOTHING`), agreementID, target); err != nil {
		return 0, false, fmt.Errorf("store: init counter: %w", err)
	}
	res, err := q.ExecContext(ctx, s.bind(`UPDATE usage_counters SET count = count + 1
		WHERE agreement_id = ? AND target = ? AND count < ?`), agreementID, target, max)
	if err != nil {
		return 0, false, fmt.Errorf("store: increment counter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("store: increment counter: %w", err)
	}
	count, err := s.Count(ctx, agreementID, target)
	if err != nil {
		return 0, false, err
	}
	return count, affected == 1, nil
}

func (s *SQLStore) Count(ctx context.Context, agreementID, target string) (int64, error) {
	var count int64
	err := s.conn(ctx).QueryRowContext(ctx,
		s.bind(`SELECT count FROM usage_counters WHERE agreement_id = ? AND target = ?`), agreementID, target).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read counter: %w", err)
	}
	return count, nil
}
