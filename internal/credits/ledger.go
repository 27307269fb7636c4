package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coreyrab/statickit/internal/logger"
)

var ErrInsufficientCredits = errors.New("insufficient credits")

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS usage_log (
    id TEXT PRIMARY KEY,
    operation TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    delta INTEGER NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_log_created_at ON usage_log(created_at);
`

const (
	OpGrant  Operation = "grant"
	OpRefund Operation = "refund"
)

type Entry struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	Model     string    `json:"model,omitempty"`
	Delta     int       `json:"delta"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger is an append-only credit log. The balance is the sum of deltas.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedger creates the usage_log table in db. When the table is empty and
// starting is positive a grant of starting credits is recorded.
func NewLedger(ctx context.Context, db *sql.DB, starting int) (*Ledger, error) {
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		return nil, fmt.Errorf("failed to create usage_log: %w", err)
	}
	l := &Ledger{db: db, now: time.Now}

	if starting > 0 {
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_log`).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count usage_log: %w", err)
		}
		if n == 0 {
			if _, err := l.Grant(ctx, starting, "starting credits"); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

func (l *Ledger) Balance(ctx context.Context) (int, error) {
	var balance int
	err := l.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta), 0) FROM usage_log`).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

func (l *Ledger) Grant(ctx context.Context, credits int, note string) (*Entry, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("grant must be positive: %d", credits)
	}
	e := &Entry{Operation: OpGrant, Delta: credits, Note: note}
	if err := l.insert(ctx, l.db, e); err != nil {
		return nil, err
	}
	logger.Logger.Info().Int("credits", credits).Str("note", note).Msg("credits granted")
	return e, nil
}

// Charge deducts credits for op. The balance never goes negative.
func (l *Ledger) Charge(ctx context.Context, op Operation, model string, credits int) (*Entry, error) {
	if credits < 0 {
		return nil, fmt.Errorf("charge cannot be negative: %d", credits)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta), 0) FROM usage_log`).Scan(&balance); err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance < credits {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, credits, balance)
	}

	e := &Entry{Operation: op, Model: model, Delta: -credits}
	if err := l.insert(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit charge: %w", err)
	}

	logger.Logger.Debug().
		Str("operation", string(op)).
		Str("model", model).
		Int("credits", credits).
		Int("balance", balance-credits).
		Msg("credits charged")
	return e, nil
}

// Refund returns the credits taken by charge, for a call that did not
// produce anything.
func (l *Ledger) Refund(ctx context.Context, charge *Entry, note string) (*Entry, error) {
	if charge == nil || charge.Delta >= 0 {
		return nil, fmt.Errorf("not a charge")
	}
	e := &Entry{Operation: OpRefund, Model: charge.Model, Delta: -charge.Delta, Note: note}
	if err := l.insert(ctx, l.db, e); err != nil {
		return nil, err
	}
	logger.Logger.Debug().
		Str("operation", string(charge.Operation)).
		Str("model", charge.Model).
		Int("credits", e.Delta).
		Msg("credits refunded")
	return e, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *Ledger) insert(ctx context.Context, q execer, e *Entry) error {
	e.ID = uuid.New().String()
	e.CreatedAt = l.now().UTC()
	_, err := q.ExecContext(ctx,
		`INSERT INTO usage_log (id, operation, model, delta, note, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Operation), e.Model, e.Delta, e.Note, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", e.Operation, err)
	}
	return nil
}

func (l *Ledger) History(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, operation, model, delta, note, created_at FROM usage_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var op string
		if err := rows.Scan(&e.ID, &op, &e.Model, &e.Delta, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage_log: %w", err)
		}
		e.Operation = Operation(op)
		out = append(out, e)
	}
	return out, rows.Err()
}
