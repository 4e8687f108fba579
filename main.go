package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"postpilot/logger"
)

var rootCmd = &cobra.Command{
	Use:   "postpilot",
	Short: "PM001 発送記録システム",
	Long: `PM001 発送記録システムのバックエンドです。

フォームから送信された発送情報の料金を計算し、台帳に1行ずつ追記します。
サブコマンドなしで実行した場合は serve と同じ動作になります。`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Logger.Sync()
	},
	RunE: runServe,
}

func init() {
	feeCmd.Flags().StringVar(&feeMethod, "method", "", "発送方法 (例: standard_regular, letterpack-plus)")
	feeCmd.Flags().Float64Var(&feeWeight, "weight", 0, "重量 (g)")
	feeCmd.Flags().BoolVar(&feeExpress, "express", false, "速達")

	historyCmd.Flags().StringVar(&historyUser, "user", "", "ユーザーID (省略時は全件)")

	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "直前のマイグレーションを取り消す")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(feeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
