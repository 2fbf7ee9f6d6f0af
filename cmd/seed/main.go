// Command seed is the administrative bootstrap tool: it creates the
// currencies and trading pairs cmd/exchange expects to find already in
// place, and credits a handful of demo users their starting_balance so the
// API has something tradable on first boot. Registration and login are an
// external collaborator's concern (spec §1); this stands in for that
// collaborator's one-time provisioning step in a local or demo deployment.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kaionx/exchange/params"
	"github.com/kaionx/exchange/pkg/ledger"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	db, err := gorm.Open(postgres.Open(cfg.Storage.PostgresDSN), &gorm.Config{})
	if err != nil {
		sugar.Fatalw("db_connect_failed", "error", err)
	}
	if err := db.AutoMigrate(
		&model.Currency{}, &model.TradingPair{}, &model.Wallet{}, &model.Transaction{},
		&model.Order{}, &model.Trade{}, &model.OrderBookLevel{},
	); err != nil {
		sugar.Fatalw("automigrate_failed", "error", err)
	}

	fmt.Println("Seeding currencies...")
	btc := mustCurrency(db, "BTC", "Bitcoin", 8)
	eth := mustCurrency(db, "ETH", "Ethereum", 8)
	usdt := mustCurrency(db, "USDT", "Tether", 8)
	fmt.Printf("  BTC:  %s\n  ETH:  %s\n  USDT: %s\n\n", btc.ID, eth.ID, usdt.ID)

	fmt.Println("Seeding trading pairs...")
	pairs := []*model.TradingPair{
		spotPair("BTC/USDT", "Bitcoin/Tether", btc, usdt, "0.0001", "100", 2, 8, "0.001", "0.001"),
		spotPair("ETH/USDT", "Ethereum/Tether", eth, usdt, "0.001", "1000", 2, 8, "0.001", "0.001"),
		spotPair("ETH/BTC", "Ethereum/Bitcoin", eth, btc, "0.001", "1000", 6, 8, "0.001", "0.001"),
	}
	for _, p := range pairs {
		if err := p.Validate(); err != nil {
			sugar.Fatalw("pair_invalid", "symbol", p.Symbol, "error", err)
		}
		mustPair(db, p)
		fmt.Printf("  %s (%s)\n", p.Symbol, p.ID)
	}
	fmt.Println()

	fmt.Println("Crediting demo users...")
	lg := ledger.New(db, sugar)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		userID := uuid.New()
		if err := db.Transaction(func(tx *gorm.DB) error {
			return lg.SettleCredit(ctx, tx, userID, usdt.ID, cfg.StartingBalance, "seed:starting_balance")
		}); err != nil {
			sugar.Fatalw("seed_credit_failed", "user", userID, "error", err)
		}
		fmt.Printf("  demo user %d: %s  (%s USDT)\n", i, userID, cfg.StartingBalance.String())
	}

	fmt.Println("\nSeed complete.")
}

func mustCurrency(db *gorm.DB, symbol, name string, precision int32) *model.Currency {
	var existing model.Currency
	err := db.Where("symbol = ?", symbol).First(&existing).Error
	if err == nil {
		return &existing
	}
	c := model.NewCurrency(symbol, name, precision)
	if err := db.Create(c).Error; err != nil {
		panic(fmt.Sprintf("create currency %s: %v", symbol, err))
	}
	return c
}

func spotPair(symbol, display string, base, quote *model.Currency, minSize, maxSize string, pricePrec, qtyPrec int32, makerFee, takerFee string) *model.TradingPair {
	return &model.TradingPair{
		ID:                uuid.New(),
		BaseCurrencyID:    base.ID,
		QuoteCurrencyID:   quote.ID,
		Symbol:            symbol,
		DisplayName:       display,
		MarketType:        model.MarketSpot,
		Status:            model.PairActive,
		MinOrderSize:      dec(minSize),
		MaxOrderSize:      dec(maxSize),
		PricePrecision:    pricePrec,
		QuantityPrecision: qtyPrec,
		MakerFeeRate:      dec(makerFee),
		TakerFeeRate:      dec(takerFee),
	}
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("bad decimal literal %q: %v", s, err))
	}
	return v
}

func mustPair(db *gorm.DB, p *model.TradingPair) {
	var existing model.TradingPair
	err := db.Where("symbol = ?", p.Symbol).First(&existing).Error
	if err == nil {
		*p = existing
		return
	}
	if err := db.Create(p).Error; err != nil {
		panic(fmt.Sprintf("create pair %s: %v", p.Symbol, err))
	}
}
