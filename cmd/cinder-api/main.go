package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"cinder/internal/config"
	"cinder/internal/crawlstore"
	"cinder/internal/credit"
	server "cinder/internal/http"
	"cinder/internal/migrate"
	"cinder/internal/notify"
	"cinder/internal/queue"
	"cinder/internal/services"
	"cinder/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	rdb := redis.NewClient(opt)

	// The teams database only exists in DB-auth deployments.
	var teams *store.Store
	if cfg.UseDBAuthentication {
		if err := migrate.Run(cfg.Database.DSN, cfg.Database.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		db, err := sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open db failed: %v", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		teams = store.New(db)
	}

	rootCtx := context.Background()

	var ledger credit.Ledger
	var source credit.AutoRechargeSource
	if teams != nil {
		ledger = teams
		source = teams
	}
	biller := credit.NewBiller(ledger, logger,
		cfg.Billing.QueueDepth, cfg.Billing.BatchSize,
		time.Duration(cfg.Billing.FlushIntervalMs)*time.Millisecond)
	biller.Start(rootCtx)
	defer biller.Close()

	gate := credit.NewGate(rdb, source, nil, &notify.LogSender{Logger: logger}, biller, logger,
		cfg.UseDBAuthentication, cfg.Credit.UpgradeURL)

	q := queue.New(rdb, logger)
	crawls := crawlstore.New(rdb, time.Duration(cfg.Crawl.TTLHours)*time.Hour, logger)
	disp := services.NewDispatcher(cfg, gate, q, crawls, nil, logger)

	s := server.NewServer(cfg, rdb, teams, disp, q, crawls, logger)
	if err := s.Listen(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
