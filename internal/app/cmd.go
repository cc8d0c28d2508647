package app

import (
	"cmp"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand はpricetrakのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして起動する。
func NewRootCommand(w io.Writer) *cobra.Command {
	serve := newServeCommand(w)

	root := &cobra.Command{
		Use:           "pricetrak",
		Short:         "価格・在庫の観測値を取り込み、ウォッチリストへ通知するサービス",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.SetOut(w)
	root.SetErr(w)

	root.AddCommand(serve)
	root.AddCommand(newWorkerCommand(w))
	root.AddCommand(newMigrateCommand(w))
	root.AddCommand(newHealthcheckCommand())

	return root
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "APIサーバーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := Init(w)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, log)
		},
	}
}

func newWorkerCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "観測値キューの消費、再取得要求、通知リレー、クリーンアップを実行する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := Init(w)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, log)
		},
	}
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "データベースマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := Init(w)
			if err != nil {
				return err
			}
			return runMigrate(cfg, log)
		},
	}
}

// newHealthcheckCommand はdistroless環境でのDockerヘルスチェック用サブコマンドを生成する。
// 軽量サブコマンドのため、設定の読み込みとログの初期化を行わない。
func newHealthcheckCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "ローカルの/healthエンドポイントを確認する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd.Context(), "http://localhost:"+port)
		},
	}
	cmd.Flags().StringVar(&port, "port", cmp.Or(os.Getenv("SERVER_PORT"), "8080"), "確認するポート")

	return cmd
}
