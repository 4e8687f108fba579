package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"postpilot/config"
	"postpilot/models"
	"postpilot/pricing"
	"postpilot/store"
)

var (
	feeMethod  string
	feeWeight  float64
	feeExpress bool

	historyUser string

	migrateRollback bool
)

var feeCmd = &cobra.Command{
	Use:   "fee",
	Short: "料金を計算します (記録はしません)",
	Long: `発送方法と重量から料金を計算してJSONで表示します。

Example:
  postpilot fee --method standard_regular --weight 120 --express`,
	Args: cobra.NoArgs,
	RunE: runFee,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "台帳の発送履歴を表示します",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "PostgreSQL台帳のマイグレーションを実行します",
	Long: `LEDGER_BACKEND=postgres のときに使う台帳テーブルを作成します。
--rollback を付けると直前のマイグレーションを取り消します。`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func runFee(cmd *cobra.Command, args []string) error {
	if feeMethod == "" {
		return fmt.Errorf("--method is required (one of: %s)", methodList())
	}

	quote := pricing.Quote(models.ShippingData{
		Method:  feeMethod,
		Weight:  feeWeight,
		Express: feeExpress,
	})
	if !quote.Recognized {
		fmt.Fprintf(cmd.ErrOrStderr(), "未知の発送方法です: %s (基本料金は0円として計算します)\n", feeMethod)
	}

	return writeJSON(cmd.OutOrStdout(), quote)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.InitConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.service.History(ctx, historyUser)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), records)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.InitConfig()
	if err != nil {
		return err
	}
	if cfg.LedgerBackend != config.BackendPostgres {
		return fmt.Errorf("migrate requires LEDGER_BACKEND=postgres (current: %s)", cfg.LedgerBackend)
	}

	db, err := config.ConnectDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer config.CloseDatabase(db)

	migrator := store.NewMigrator(db)
	if migrateRollback {
		return migrator.RollbackLast()
	}
	return migrator.RunMigrations()
}

func methodList() string {
	methods := pricing.Methods()
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
