// Package cli 提供 ingestctl 命令列工具
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"github.com/spf13/cobra"
)

// 輸出格式
const (
	OutputText = "text"
	OutputJSON = "json"
)

// globalFlags 所有子命令共用的旗標
type globalFlags struct {
	output  string
	verbose bool
}

// loadConfig 讀取設定；CLI 一律使用記憶體儲存
type loadConfig func() (*config.Config, error)

func newRootCmd(out io.Writer, load loadConfig) *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "ingestctl",
		Short: "Run recipe ingest tasks from the command line",
		Long: `ingestctl runs a single ingest task synchronously against in-memory stores
and prints the resulting task and draft.

Examples:
  ingestctl ingest --url https://example.com/lemon-bars
  ingestctl ingest --query "lemon bars" --constraint diet=vegetarian --commit
  ingestctl providers --output json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if flags.output != OutputText && flags.output != OutputJSON {
				return fmt.Errorf("invalid output format %q: must be %s or %s", flags.output, OutputText, OutputJSON)
			}
			if flags.verbose {
				return common.InitLogger(common.LogOptions{Level: "debug", File: filepath.Join(os.TempDir(), "ingestctl.log")})
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVarP(&flags.output, "output", "o", OutputText, "Output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Write debug logs")

	cmd.AddCommand(newIngestCmd(flags, load))
	cmd.AddCommand(newProvidersCmd(flags, load))
	return cmd
}

// Execute 執行根命令
func Execute(ctx context.Context) error {
	return newRootCmd(os.Stdout, loadMemoryConfig).ExecuteContext(ctx)
}

func loadMemoryConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Storage.Driver = "memory"
	return cfg, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
