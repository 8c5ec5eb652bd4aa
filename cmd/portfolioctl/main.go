// Command portfolioctl drives a file-backed portfolio from the shell:
//
//	portfolioctl deposit 500000
//	portfolioctl open XYZ:120@100
//	portfolioctl auto XYZ:120@80
//	portfolioctl pnl XYZ=110
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/portfolio-engine/internal/app"
	"github.com/atmx/portfolio-engine/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "portfolioctl",
	Short:         "Inspect and trade a portfolio kept in a snapshot and CSV ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine events to stderr")

	rootCmd.AddCommand(
		cashCmd("deposit", "Add cash to the portfolio", false),
		cashCmd("withdraw", "Remove cash from the portfolio", true),
		txCmd("open", "Open or add to positions"),
		txCmd("close", "Reduce or close positions"),
		txCmd("roll", "Close and reopen positions in the same chain"),
		txCmd("auto", "Classify each leg against current holdings"),
		holdingsCmd(),
		pnlCmd(),
		marginCmd(),
		chainCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openPortfolio loads configuration and opens the portfolio it names. The
// in-memory store is replaced by the file store so state survives between
// invocations.
func openPortfolio(ctx context.Context) (*app.App, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if conf.Store.Driver == "memory" {
		conf.Store.Driver = "file"
	}

	var w io.Writer = io.Discard
	if verbose {
		w = os.Stderr
	}
	conf.Log.Format = "text"
	return app.Open(ctx, conf, app.NewLogger(conf.Log, w))
}
