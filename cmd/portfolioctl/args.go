package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

var errBadArg = errors.New("bad argument")

// parseLeg reads SYMBOL:QTY@PRICE. The symbol may contain spaces, as
// option symbols do.
func parseLeg(arg string) (model.Asset, error) {
	at := strings.LastIndex(arg, "@")
	if at < 0 {
		return model.Asset{}, fmt.Errorf("%w: %q: want SYMBOL:QTY@PRICE", errBadArg, arg)
	}
	colon := strings.LastIndex(arg[:at], ":")
	if colon < 0 {
		return model.Asset{}, fmt.Errorf("%w: %q: want SYMBOL:QTY@PRICE", errBadArg, arg)
	}

	symbol := strings.TrimSpace(arg[:colon])
	if symbol == "" {
		return model.Asset{}, fmt.Errorf("%w: %q: empty symbol", errBadArg, arg)
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(arg[colon+1 : at]))
	if err != nil {
		return model.Asset{}, fmt.Errorf("%w: %q: quantity: %v", errBadArg, arg, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(arg[at+1:]))
	if err != nil {
		return model.Asset{}, fmt.Errorf("%w: %q: price: %v", errBadArg, arg, err)
	}
	return model.NewLeg(symbol, qty, price)
}

func parseTransaction(args []string, chainID int64) (*model.Transaction, error) {
	tx := &model.Transaction{ChainID: chainID}
	for _, arg := range args {
		leg, err := parseLeg(arg)
		if err != nil {
			return nil, err
		}
		tx.Legs = append(tx.Legs, leg)
	}
	return tx, nil
}

// parsePrices reads SYMBOL=PRICE pairs.
func parsePrices(args []string) (valuation.Prices, error) {
	prices := make(valuation.Prices, len(args))
	for _, arg := range args {
		eq := strings.LastIndex(arg, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("%w: %q: want SYMBOL=PRICE", errBadArg, arg)
		}
		px, err := decimal.NewFromString(strings.TrimSpace(arg[eq+1:]))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: price: %v", errBadArg, arg, err)
		}
		prices[strings.TrimSpace(arg[:eq])] = px
	}
	return prices, nil
}
