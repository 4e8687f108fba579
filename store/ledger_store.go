package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"postpilot/ledger"
)

// ErrLedgerNotFound は台帳（シート）がまだ作成されていないことを表します
var ErrLedgerNotFound = errors.New("ledger not found")

// LedgerStore は追記専用の台帳です。
// ledgerID は呼び出しごとに渡され、実装がグローバル設定を読むことはありません。
type LedgerStore interface {
	// Append は見出し行の後ろに1行追記し、ヘッダーを除いた1始まりの位置を返します。
	// 台帳が存在しなければヘッダー付きで作成します。
	Append(ctx context.Context, ledgerID string, row ledger.Row) (int, error)
	// Rows はヘッダーを除いた全行を追記順に返します。
	// 台帳が無ければ ErrLedgerNotFound を返します。
	Rows(ctx context.Context, ledgerID string) ([]ledger.Row, error)
}

// MemoryLedger はプロセス内に保持する台帳です。開発環境とテストで使います
type MemoryLedger struct {
	mu      sync.Mutex
	ledgers map[string]*memorySheet
}

type memorySheet struct {
	header []string
	rows   []ledger.Row
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{ledgers: make(map[string]*memorySheet)}
}

func (m *MemoryLedger) Append(ctx context.Context, ledgerID string, row ledger.Row) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(row) != ledger.ColumnCount {
		return 0, fmt.Errorf("invalid row length: %d", len(row))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sheet, ok := m.ledgers[ledgerID]
	if !ok {
		sheet = &memorySheet{header: ledger.Header()}
		m.ledgers[ledgerID] = sheet
	}
	stored := make(ledger.Row, len(row))
	copy(stored, row)
	sheet.rows = append(sheet.rows, stored)
	return len(sheet.rows), nil
}

func (m *MemoryLedger) Rows(ctx context.Context, ledgerID string) ([]ledger.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sheet, ok := m.ledgers[ledgerID]
	if !ok {
		return nil, ErrLedgerNotFound
	}
	rows := make([]ledger.Row, len(sheet.rows))
	for i, r := range sheet.rows {
		rows[i] = append(ledger.Row(nil), r...)
	}
	return rows, nil
}

// Header は作成済み台帳のヘッダーを返します
func (m *MemoryLedger) Header(ledgerID string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sheet, ok := m.ledgers[ledgerID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), sheet.header...), true
}
