// Command exchange is the trading core process: it serves the REST/
// WebSocket boundary of pkg/api over the matching engine, order service,
// ledger, and market-data cache wired together here.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kaionx/exchange/params"
	"github.com/kaionx/exchange/pkg/api"
	"github.com/kaionx/exchange/pkg/eventbus"
	"github.com/kaionx/exchange/pkg/ledger"
	"github.com/kaionx/exchange/pkg/levelstore"
	"github.com/kaionx/exchange/pkg/marketdata"
	"github.com/kaionx/exchange/pkg/matching"
	"github.com/kaionx/exchange/pkg/model"
	"github.com/kaionx/exchange/pkg/orderbook"
	"github.com/kaionx/exchange/pkg/orderservice"
	"github.com/kaionx/exchange/pkg/orderstore"
	"github.com/kaionx/exchange/pkg/simulator"
	"github.com/kaionx/exchange/pkg/snapshot"
	"github.com/kaionx/exchange/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/exchange.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

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

	snap, err := snapshot.Open(cfg.Storage.SnapshotPath)
	if err != nil {
		sugar.Fatalw("snapshot_store_failed", "error", err)
	}
	defer snap.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})

	lg := ledger.New(db, sugar)
	store := orderstore.New(db)
	levels := levelstore.New(db)
	bus := eventbus.New(sugar, cfg.Matching.SubscriberCap)

	writerNode, err := snowflake.NewNode(1)
	if err != nil {
		sugar.Fatalw("snowflake_node_failed", "node", 1, "error", err)
	}
	serviceNode, err := snowflake.NewNode(2)
	if err != nil {
		sugar.Fatalw("snowflake_node_failed", "node", 2, "error", err)
	}

	sim := simulator.New(cfg.Simulator, bus, levels, sugar)
	svc := orderservice.New(store, lg, serviceNode, cfg.Matching.SlippageCap)
	svc.SetLiveness(sim)

	var pairs []model.TradingPair
	if err := db.Find(&pairs).Error; err != nil {
		sugar.Fatalw("load_pairs_failed", "error", err)
	}
	if len(pairs) == 0 {
		sugar.Warn("no trading pairs configured — run cmd/seed before serving traffic")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for i := range pairs {
		pair := &pairs[i]
		book := orderbook.New(pair.Symbol)
		writer := matching.NewPairWriter(pair, book, store, lg, levels, snap, bus, writerNode, util.RealClock{}, sugar, cfg.Matching.QueueDepth)
		if err := writer.Rebuild(ctx); err != nil {
			sugar.Errorw("pair_rebuild_failed", "pair", pair.Symbol, "error", err)
		}
		svc.RegisterPair(pair, writer)

		mid, ok := writer.BestBid()
		if !ok {
			mid, ok = writer.BestAsk()
		}
		if !ok {
			mid = pair.QuantizePrice(pair.MinOrderSize)
		}
		sim.Register(pair.ID, pair.Symbol, mid)

		sugar.Infow("pair_online", "symbol", pair.Symbol, "status", pair.Status)
	}

	market := marketdata.New(rdb, bus, sugar)
	for i := range pairs {
		market.Watch(ctx, pairs[i].Symbol)
	}

	simStop := sim.Start(ctx)
	defer simStop()

	srv := api.NewServer(db, svc, lg, market, bus, sugar)

	sugar.Infow("exchange_starting", "addr", cfg.APIAddr, "pairs", len(pairs))
	if err := srv.Start(ctx, cfg.APIAddr); err != nil {
		sugar.Fatalw("api_server_failed", "error", err)
	}
	sugar.Info("exchange_stopped")
}
