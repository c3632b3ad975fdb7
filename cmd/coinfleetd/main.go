// coinfleetd is the machine-facing backend daemon. It serves the device
// protocol on one port and operator tooling on a loopback port, and runs
// the background jobs that advance transaction state.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	_ "github.com/lib/pq"

	coinfleet "github.com/coinfleet/coinfleet"
	"github.com/coinfleet/coinfleet/api"
	"github.com/coinfleet/coinfleet/config"
	"github.com/coinfleet/coinfleet/devicestate"
	"github.com/coinfleet/coinfleet/engine"
	"github.com/coinfleet/coinfleet/idempotency"
	"github.com/coinfleet/coinfleet/ledger"
	"github.com/coinfleet/coinfleet/wallet"
	"github.com/coinfleet/coinfleet/wallet/geth"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(log *slog.Logger) error {
	dbURL := os.Getenv("COINFLEET_DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("COINFLEET_DATABASE_URL is required")
	}
	configPath := os.Getenv("COINFLEET_CONFIG_PATH")
	if configPath == "" {
		return fmt.Errorf("COINFLEET_CONFIG_PATH is required")
	}
	addr := env("COINFLEET_ADDR", ":3000")
	localAddr := env("COINFLEET_LOCAL_ADDR", "127.0.0.1:3030")

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	store := ledger.NewPGStore(db, log)
	devices := devicestate.NewTracker()
	registryDB := &pgDeviceRegistry{db: db}

	configs := &fileConfigSource{
		path:     configPath,
		schema:   config.MustDefaultSchema(),
		registry: registryDB,
	}
	if err := configs.Reload(context.Background()); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := wallet.NewRegistry()
	accounts := make(map[string]wallet.Account)
	if ethURL := os.Getenv("COINFLEET_ETH_URL"); ethURL != "" {
		ethWallet, err := geth.Dial(ethURL)
		if err != nil {
			return fmt.Errorf("ethereum node: %w", err)
		}
		registry.RegisterWallet("geth", ethWallet)
		accounts["geth"] = wallet.Account{
			"address":    os.Getenv("COINFLEET_ETH_ADDRESS"),
			"privateKey": os.Getenv("COINFLEET_ETH_KEY"),
		}
	}

	wallets := wallet.NewService(registry, accounts)
	eng := engine.New(store, wallets, devices, log)
	cache := idempotency.New(idempotency.WithStore(idempotency.NewPGStore(db, log)))
	server := api.NewServer(eng, cache, devices, configs, log)

	jobs := cron.New()
	jobs.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		doc, err := configs.Load(ctx)
		if err != nil {
			log.Error("config load failed", "err", err)
			return
		}
		if err := eng.RefreshStatuses(ctx, doc); err != nil {
			log.Error("status refresh failed", "err", err)
		}
		if err := eng.NotifyRedeems(ctx, logNotifier{log: log}); err != nil {
			log.Error("redeem notify failed", "err", err)
		}
	})
	jobs.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := cache.Prune(ctx)
		if err != nil {
			log.Error("idempotent prune failed", "err", err)
			return
		}
		if n > 0 {
			log.Info("pruned idempotents", "count", n)
		}
	})
	jobs.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := configs.Reload(ctx); err != nil {
			log.Error("config reload failed", "err", err)
		}
	})
	jobs.Start()
	defer jobs.Stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info("local listener up", "addr", localAddr)
		errCh <- server.LocalRouter().Run(localAddr)
	}()
	go func() {
		log.Info("device listener up", "addr", addr)
		errCh <- server.Router().Run(addr)
	}()
	return <-errCh
}

// pgDeviceRegistry lists paired machines from the devices table.
type pgDeviceRegistry struct {
	db *sql.DB
}

func (r *pgDeviceRegistry) ListMachineIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT device_id FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// fileConfigSource serves a validated policy document from disk. Reload
// rejects documents that fail validation and keeps serving the previous
// one.
type fileConfigSource struct {
	path     string
	schema   config.Schema
	registry config.DeviceRegistry

	mu  sync.RWMutex
	doc config.Document
}

func (s *fileConfigSource) Load(ctx context.Context) (config.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc, nil
}

func (s *fileConfigSource) Reload(ctx context.Context) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if err := config.EnsureShape(raw); err != nil {
		return err
	}

	var doc config.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}

	validated, err := config.Validate(ctx, s.schema, doc, s.registry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.doc = validated
	s.mu.Unlock()
	return nil
}

// logNotifier stands in for an SMS gateway; delivery is logged only.
type logNotifier struct {
	log *slog.Logger
}

func (n logNotifier) NotifyRedeem(ctx context.Context, tx coinfleet.Transaction) error {
	n.log.Info("redeem ready", "session", tx.SessionID, "phone", tx.Phone)
	return nil
}
