package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/portfolio-engine/internal/holding"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/portfolio"
)

func cashCmd(name, short string, withdraw bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " AMOUNT",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("%w: amount %q", errBadArg, args[0])
			}
			if withdraw {
				amount = amount.Neg()
			}

			a, err := openPortfolio(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			cash, err := a.Manager.UpdateCash(cmd.Context(), amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cash: %s\n", cash.StringFixed(2))
			return nil
		},
	}
}

func txCmd(kind, short string) *cobra.Command {
	var chainID int64
	cmd := &cobra.Command{
		Use:   kind + " SYMBOL:QTY@PRICE...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, err := parseTransaction(args, chainID)
			if err != nil {
				return err
			}

			a, err := openPortfolio(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rcpt, err := a.Manager.Execute(cmd.Context(), model.LedgerKind(kind), tx)
			if err != nil {
				return err
			}
			renderReceipt(cmd.OutOrStdout(), rcpt)
			return nil
		},
	}
	cmd.Flags().Int64Var(&chainID, "chain", 0, "join an open chain instead of resolving one")
	return cmd
}

func holdingsCmd() *cobra.Command {
	var (
		field   string
		value   string
		exclude bool
	)
	cmd := &cobra.Command{
		Use:   "holdings",
		Short: "List open positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openPortfolio(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			holdings := a.Manager.Holdings()
			if field != "" {
				holdings, err = a.Manager.FindHoldings(holding.Field(field), value, exclude, holdings)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"Symbol", "Type", "Qty", "Avg Open", "Chain", "Rolls"})
			for _, h := range holdings {
				table.Append([]string{
					h.Symbol,
					string(h.Type),
					h.Quantity.String(),
					h.AverageOpenPrice.StringFixed(2),
					strconv.FormatInt(h.ChainID, 10),
					strconv.Itoa(h.RollCount),
				})
			}
			table.Render()
			fmt.Fprintf(out, "cash: %s  realized: %s\n", a.Manager.Cash().StringFixed(2), a.Manager.RealizedPnL().StringFixed(2))
			return nil
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "filter field: symbol, underlying_symbol, asset_type, order_type, chainid, roll_count, strike_price")
	cmd.Flags().StringVar(&value, "value", "", "value to match")
	cmd.Flags().BoolVar(&exclude, "exclude", false, "keep holdings that do not match")
	return cmd
}

func pnlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pnl SYMBOL=PRICE...",
		Short: "Value open positions at the given prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			prices, err := parsePrices(args)
			if err != nil {
				return err
			}

			a, err := openPortfolio(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Manager.Valuation(prices)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"Symbol", "Qty", "Avg Open", "Price", "Market Value", "Unrealized"})
			for _, p := range report.Positions {
				table.Append([]string{
					p.Symbol,
					p.Quantity.String(),
					p.AverageOpenPrice.StringFixed(2),
					p.Price.StringFixed(2),
					p.MarketValue.StringFixed(2),
					p.UnrealizedPnL.StringFixed(2),
				})
			}
			table.SetFooter([]string{"", "", "", "Total", report.MarketValue.StringFixed(2), report.UnrealizedPnL.StringFixed(2)})
			table.Render()
			fmt.Fprintf(out, "cash: %s  equity: %s\n", report.Cash.StringFixed(2), report.Equity.StringFixed(2))
			return nil
		},
	}
}

func marginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "margin SYMBOL=PRICE...",
		Short: "Show the margin requirement of each open position",
		RunE: func(cmd *cobra.Command, args []string) error {
			prices, err := parsePrices(args)
			if err != nil {
				return err
			}

			a, err := openPortfolio(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			reqs, err := a.Manager.MarginRequirements(prices)
			if err != nil {
				return err
			}

			symbols := make([]string, 0, len(reqs))
			total := decimal.Zero
			for sym, req := range reqs {
				symbols = append(symbols, sym)
				total = total.Add(req)
			}
			sort.Strings(symbols)

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Symbol", "Requirement"})
			for _, sym := range symbols {
				table.Append([]string{sym, reqs[sym].StringFixed(2)})
			}
			table.SetFooter([]string{"Total", total.StringFixed(2)})
			table.Render()
			return nil
		},
	}
}

func chainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain ID",
		Short: "Show the ledger rows of a position chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: chain id %q", errBadArg, args[0])
			}

			a, err := openPortfolio(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Manager.ChainHistory(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("chain %d has no ledger rows", id)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Time", "Kind", "Roll", "Symbol", "Qty", "Price", "Order", "Realized"})
			for _, e := range entries {
				table.Append([]string{
					e.Timestamp.Format("2006-01-02 15:04:05"),
					string(e.Kind),
					strconv.Itoa(e.RollCount),
					e.Symbol,
					e.Quantity.String(),
					e.Price.StringFixed(2),
					string(e.OrderType),
					e.RealizedPnL.StringFixed(2),
				})
			}
			table.Render()
			return nil
		},
	}
}

func renderReceipt(out io.Writer, rcpt *portfolio.Receipt) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Symbol", "Outcome", "Order", "Qty", "Price", "Realized", "Position"})
	for _, leg := range rcpt.Legs {
		position := "closed"
		if leg.Position != nil {
			position = leg.Position.Quantity.String() + " @ " + leg.Position.AverageOpenPrice.StringFixed(2)
		}
		table.Append([]string{
			leg.Symbol,
			leg.Outcome,
			string(leg.OrderType),
			leg.Quantity.String(),
			leg.Price.StringFixed(2),
			leg.RealizedPnL.StringFixed(2),
			position,
		})
	}
	table.Render()
	fmt.Fprintf(out, "%s %s  chain: %d (roll %d)  cash: %s\n",
		rcpt.Kind, rcpt.Transaction.ID, rcpt.Transaction.ChainID, rcpt.Transaction.RollCount, rcpt.Cash.StringFixed(2))
}
