package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"tradecore/internal/domain"
)

// MetaLastSaved is the metadata key holding the last state save time (RFC3339Nano).
const MetaLastSaved = "last_saved_at"

// FillJournal is an append-only SQLite log of the fill deltas forwarded to risk.
type FillJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// SymbolPnL aggregates one symbol's journaled fills.
type SymbolPnL struct {
	Symbol   string
	Fills    int
	BuyQty   decimal.Decimal
	SellQty  decimal.Decimal
	Notional decimal.Decimal // signed cash flow: sells positive, buys negative
	Fees     decimal.Decimal
}

// OpenFillJournal opens (or creates) the journal with WAL mode enabled.
func OpenFillJournal(dbPath string, logger *slog.Logger) (*FillJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metadata table: %w", err)
	}

	// quantities and prices are TEXT to keep decimal precision
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			client_order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price TEXT NOT NULL,
			qty TEXT NOT NULL,
			fee TEXT NOT NULL,
			ts INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fills table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_fills_ts ON fills(ts);"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fills index: %w", err)
	}

	return &FillJournal{db: db, logger: logger}, nil
}

// Append stores one fill.
func (j *FillJournal) Append(ctx context.Context, f domain.Fill) error {
	ts := f.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO fills (order_id, client_order_id, symbol, side, price, qty, fee, ts) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		f.OrderID, f.ClientOrderID, f.Symbol, string(f.Side),
		f.Price.String(), f.Qty.String(), f.Fee.String(), ts.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fill: %w", err)
	}
	return nil
}

// OnFill implements ledger.FillSink. Journal errors are logged, never propagated.
func (j *FillJournal) OnFill(f domain.Fill) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Append(ctx, f); err != nil {
		j.logger.Error("Fill journal append failed",
			slog.String("order_id", f.OrderID),
			slog.Any("err", err))
	}
}

// Fills returns the fills recorded at or after since, oldest first.
func (j *FillJournal) Fills(ctx context.Context, since time.Time) ([]domain.Fill, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT order_id, client_order_id, symbol, side, price, qty, fee, ts FROM fills WHERE ts >= ? ORDER BY id ASC",
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var (
			f                     domain.Fill
			side, price, qty, fee string
			ts                    int64
		)
		if err := rows.Scan(&f.OrderID, &f.ClientOrderID, &f.Symbol, &side, &price, &qty, &fee, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Side = domain.Side(side)
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("fill price %q: %w", price, err)
		}
		if f.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("fill qty %q: %w", qty, err)
		}
		if f.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("fill fee %q: %w", fee, err)
		}
		f.Time = time.UnixMilli(ts).UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Summary aggregates the fills recorded at or after since, per symbol.
func (j *FillJournal) Summary(ctx context.Context, since time.Time) (map[string]*SymbolPnL, error) {
	fills, err := j.Fills(ctx, since)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*SymbolPnL)
	for _, f := range fills {
		s, ok := out[f.Symbol]
		if !ok {
			s = &SymbolPnL{Symbol: f.Symbol}
			out[f.Symbol] = s
		}
		s.Fills++
		notional := f.Price.Mul(f.Qty)
		if f.Side == domain.SideBuy {
			s.BuyQty = s.BuyQty.Add(f.Qty)
			s.Notional = s.Notional.Sub(notional)
		} else {
			s.SellQty = s.SellQty.Add(f.Qty)
			s.Notional = s.Notional.Add(notional)
		}
		s.Fees = s.Fees.Add(f.Fee)
	}
	return out, nil
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (j *FillJournal) UpsertMetadata(ctx context.Context, key, value string) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, time.Now().UnixMilli(),
	)
	return err
}

// GetMetadata retrieves a value from the metadata table; a missing key yields "".
func (j *FillJournal) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := j.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// MarkSaved records a state save time.
func (j *FillJournal) MarkSaved(ctx context.Context, at time.Time) error {
	return j.UpsertMetadata(ctx, MetaLastSaved, at.UTC().Format(time.RFC3339Nano))
}

// Close closes the database connection.
func (j *FillJournal) Close() error {
	return j.db.Close()
}
