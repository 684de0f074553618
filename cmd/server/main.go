package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/bitagent/backend/internal/agent"
	"github.com/bitagent/backend/internal/api"
	"github.com/bitagent/backend/internal/config"
	"github.com/bitagent/backend/internal/gate"
	"github.com/bitagent/backend/internal/infra"
	"github.com/bitagent/backend/internal/invoice"
	"github.com/bitagent/backend/internal/lightning"
	"github.com/bitagent/backend/internal/policy"
	"github.com/bitagent/backend/internal/pricing"
	"github.com/bitagent/backend/internal/reputation"
	"github.com/bitagent/backend/internal/token"
	"github.com/bitagent/backend/internal/wallet"
)

const demoCallerID = "agent-alpha"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Warn("Config file not loaded, using defaults", "error", err)
		cfg = config.Default()
	}
	cfg.ApplyEnv()

	slog.Info("Starting bitagent backend", "port", cfg.Server.Port, "env", cfg.Server.Env)

	// Payment rail: mock for local runs, LND over REST when configured.
	var node lightning.Node
	if cfg.Lightning.UseMock {
		node = lightning.NewMockNode()
		slog.Info("Lightning rail: mock node")
	} else {
		lnd, err := lightning.NewLNDClient(cfg.Lightning.LNDRestHost, cfg.Lightning.LNDMacaroonPath)
		if err != nil {
			log.Fatalf("LND client: %v", err)
		}
		node = lnd
		slog.Info("Lightning rail: LND", "host", cfg.Lightning.LNDRestHost)
	}

	codec := token.NewCodec(cfg.Token.SecretKey)
	invoices := invoice.NewLedger(
		node,
		codec,
		time.Duration(cfg.Invoice.TTLSeconds)*time.Second,
		time.Duration(cfg.Token.TTLMinutes)*time.Minute,
		cfg.Invoice.MaxPendingPerCaller,
	)
	rep := reputation.NewLedger()
	wallets := wallet.NewLedger()

	ctx := context.Background()

	// Redis persistence for invoices and wallet snapshots. Optional: the
	// in-memory ledgers are authoritative either way.
	if cfg.Storage.RedisAddr != "" {
		rdb, err := infra.NewGoRedisAdapter(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			slog.Warn("Redis unavailable, running in-memory only", "error", err)
		} else {
			defer rdb.Close()
			if err := invoices.SetStore(ctx, invoice.NewRedisStore(rdb, "")); err != nil {
				slog.Warn("Invoice restore failed", "error", err)
			}
			if err := wallets.SetStore(ctx, wallet.NewRedisStore(rdb, "")); err != nil {
				slog.Warn("Wallet restore failed", "error", err)
			}
		}
	}

	// Postgres holds the append-only reputation log.
	if cfg.Storage.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("Postgres open: %v", err)
		}
		defer db.Close()

		store := reputation.NewPostgresLogStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			slog.Warn("Postgres unavailable, reputation log in-memory only", "error", err)
		} else if err := rep.SetStore(ctx, store); err != nil {
			slog.Warn("Reputation replay failed", "error", err)
		}
	}

	if _, err := wallets.Stats(demoCallerID); err != nil {
		if err := wallets.Register(demoCallerID, cfg.Policy.InitialBalanceSats); err != nil {
			slog.Warn("Demo wallet registration failed", "error", err)
		}
	}

	eval := policy.NewEvaluator(wallets, policy.Config{
		HourlyBudgetSats: cfg.Policy.HourlyBudgetSats,
		ReserveFloorSats: cfg.Policy.ReserveFloorSats,
		Ceilings: map[policy.Priority]int64{
			policy.PriorityLow:      cfg.Policy.CeilingLowSats,
			policy.PriorityNormal:   cfg.Policy.CeilingNormalSats,
			policy.PriorityHigh:     cfg.Policy.CeilingHighSats,
			policy.PriorityCritical: cfg.Policy.CeilingCriticalSats,
		},
	})

	quoter := pricing.NewStaticQuoter(cfg.Pricing.BasePriceSats, cfg.Pricing.Resources)
	g := gate.New(codec, invoices, rep, quoter, gate.NewMetrics())

	baseURL := fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	demoAgent := agent.NewClient(demoCallerID, baseURL, wallets, eval, node)

	invoices.StartSweeper(ctx, time.Duration(cfg.Invoice.SweepIntervalSeconds)*time.Second)

	server := api.NewServer(g, rep, wallets, invoices, demoAgent)
	if err := server.Start(cfg.Server.Port); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
