package store

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"postpilot/logger"
)

type Migrator struct {
	db *gorm.DB
}

func NewMigrator(db *gorm.DB) *Migrator {
	return &Migrator{db: db}
}

func (m *Migrator) migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		// マイグレーションIDは一意である必要があります
		{
			ID: "20241101_create_ledger_tables",
			Migrate: func(tx *gorm.DB) error {
				logger.Logger.Info("台帳テーブルを作成します")
				if err := tx.AutoMigrate(&LedgerSheet{}, &LedgerRow{}); err != nil {
					return fmt.Errorf("台帳テーブルの作成に失敗: %w", err)
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				logger.Logger.Info("台帳テーブルを削除します")
				if err := tx.Migrator().DropTable("ledger_rows", "ledger_sheets"); err != nil {
					return fmt.Errorf("台帳テーブルの削除に失敗: %w", err)
				}
				return nil
			},
		},
	}
}

func (m *Migrator) RunMigrations() error {
	logger.Logger.Info("マイグレーションを開始します")

	migrator := gormigrate.New(m.db, gormigrate.DefaultOptions, m.migrations())
	if err := migrator.Migrate(); err != nil {
		logger.Logger.Error("マイグレーションに失敗しました", zap.Error(err))
		return fmt.Errorf("マイグレーションに失敗しました: %w", err)
	}

	logger.Logger.Info("マイグレーションが正常に完了しました")
	return nil
}

// RollbackLast は直前のマイグレーションを取り消します
func (m *Migrator) RollbackLast() error {
	migrator := gormigrate.New(m.db, gormigrate.DefaultOptions, m.migrations())
	if err := migrator.RollbackLast(); err != nil {
		return fmt.Errorf("ロールバックに失敗しました: %w", err)
	}
	logger.Logger.Info("直前のマイグレーションをロールバックしました")
	return nil
}
