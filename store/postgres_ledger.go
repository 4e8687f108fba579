package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"postpilot/ledger"
	"postpilot/logger"
)

// LedgerSheet は台帳1つ分の見出しと行数です
type LedgerSheet struct {
	ID        uint     `gorm:"primaryKey"`
	LedgerID  string   `gorm:"size:255;not null;uniqueIndex"`
	Name      string   `gorm:"size:100;not null"`
	Header    []string `gorm:"serializer:json;not null"`
	RowCount  int      `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerRow は台帳の1行です。Position はヘッダーを除いた1始まりの位置です
type LedgerRow struct {
	ID        uint       `gorm:"primaryKey"`
	LedgerID  string     `gorm:"size:255;not null;uniqueIndex:idx_ledger_position"`
	Position  int        `gorm:"not null;uniqueIndex:idx_ledger_position"`
	Cells     ledger.Row `gorm:"serializer:json;not null"`
	CreatedAt time.Time
}

// PostgresLedger は gorm 経由で PostgreSQL に台帳を保存します
type PostgresLedger struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewPostgresLedger(db *gorm.DB) *PostgresLedger {
	return &PostgresLedger{
		db:     db,
		logger: logger.Logger.Named("postgres"),
	}
}

func (p *PostgresLedger) Append(ctx context.Context, ledgerID string, row ledger.Row) (int, error) {
	var position int

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sheet := LedgerSheet{
			LedgerID: ledgerID,
			Name:     ledger.SheetName,
			Header:   ledger.Header(),
		}
		// 初回のみ作成される
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ledger_id"}},
			DoNothing: true,
		}).Create(&sheet).Error; err != nil {
			return fmt.Errorf("台帳の作成に失敗: %w", err)
		}

		// 行番号の採番は台帳行のロックで直列化する
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("ledger_id = ?", ledgerID).
			First(&sheet).Error; err != nil {
			return fmt.Errorf("台帳のロックに失敗: %w", err)
		}

		position = sheet.RowCount + 1
		if err := tx.Model(&sheet).Update("row_count", position).Error; err != nil {
			return fmt.Errorf("行数の更新に失敗: %w", err)
		}

		cells := make(ledger.Row, len(row))
		copy(cells, row)
		if err := tx.Create(&LedgerRow{
			LedgerID: ledgerID,
			Position: position,
			Cells:    cells,
		}).Error; err != nil {
			return fmt.Errorf("行の追加に失敗: %w", err)
		}
		return nil
	})
	if err != nil {
		p.logger.Error("台帳への追記に失敗しました",
			zap.String("ledger_id", ledgerID),
			zap.Error(err))
		return 0, err
	}

	return position, nil
}

func (p *PostgresLedger) Rows(ctx context.Context, ledgerID string) ([]ledger.Row, error) {
	db := p.db.WithContext(ctx)

	var sheet LedgerSheet
	if err := db.Where("ledger_id = ?", ledgerID).First(&sheet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLedgerNotFound
		}
		return nil, fmt.Errorf("台帳の取得に失敗: %w", err)
	}

	var stored []LedgerRow
	if err := db.Where("ledger_id = ?", ledgerID).
		Order("position ASC").
		Find(&stored).Error; err != nil {
		return nil, fmt.Errorf("行の取得に失敗: %w", err)
	}

	rows := make([]ledger.Row, len(stored))
	for i, r := range stored {
		rows[i] = r.Cells
	}
	return rows, nil
}
