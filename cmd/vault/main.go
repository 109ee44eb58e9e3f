package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-permit-vault/internal/api"
	"github.com/0gfoundation/0g-permit-vault/internal/auth"
	"github.com/0gfoundation/0g-permit-vault/internal/chain"
	"github.com/0gfoundation/0g-permit-vault/internal/config"
	"github.com/0gfoundation/0g-permit-vault/internal/metrics"
	"github.com/0gfoundation/0g-permit-vault/internal/permit"
	"github.com/0gfoundation/0g-permit-vault/internal/reconcile"
	"github.com/0gfoundation/0g-permit-vault/internal/store"
	"github.com/0gfoundation/0g-permit-vault/internal/vault"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (wallet-auth request nonces, and the ledger when selected) ──────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Store ─────────────────────────────────────────────────────────────────
	st, closeStore, err := openStore(cfg, rdb, log)
	if err != nil {
		log.Fatal("store init failed", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}
	defer closeStore()

	// ── Chain client (operator key + Permit2 binding) ─────────────────────────
	onchain, err := chain.Dial(ctx, cfg.Chain, log)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}

	// ── Typed-data codec, checked against the deployed Permit2 domain ─────────
	codec, err := permit.NewCodec(permit.Domain{
		Name:              cfg.Chain.DomainName,
		Version:           cfg.Chain.DomainVersion,
		ChainID:           big.NewInt(cfg.Chain.ChainID),
		VerifyingContract: common.HexToAddress(cfg.Chain.Permit2Address),
	})
	if err != nil {
		log.Fatal("permit codec init failed", zap.Error(err))
	}
	if err := checkDomain(ctx, codec, onchain); err != nil {
		log.Fatal("permit2 domain check failed", zap.Error(err))
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// ── Vault service ─────────────────────────────────────────────────────────
	vaultAddr := onchain.Operator()
	svc, err := vault.NewService(codec, vaultAddr, st, onchain, vault.Config{
		PullTimeout:   cfg.Vault.PullTimeout,
		CommitRetries: cfg.Vault.CommitRetries,
		CommitBackoff: cfg.Vault.CommitBackoff,
	}, log, vault.WithMetrics(collector))
	if err != nil {
		log.Fatal("vault service init failed", zap.Error(err))
	}

	// ── Reconciler ────────────────────────────────────────────────────────────
	tokens, err := parseTokens(cfg.Vault.Tokens)
	if err != nil {
		log.Fatal("invalid VAULT_TOKENS", zap.Error(err))
	}
	rec := reconcile.New(st, onchain, onchain, vaultAddr, tokens, log, reconcile.WithGauges(collector))
	go reconcile.Run(ctx, rec, cfg.Vault.RecoveryInterval, cfg.Vault.ReconcileInterval, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	limiter := api.NewRateLimiter(cfg.Vault.DepositsPerMinute, cfg.Vault.DepositBurst, 5*time.Minute, log)
	defer limiter.Stop()

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler(reg)))

	api.NewHandler(svc, log).Register(r.Group("/api"), auth.Middleware(rdb, "deposit"), limiter.Middleware())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("vault", vaultAddr.Hex()),
			zap.String("store", cfg.Store.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// openStore builds the configured backend. The returned func releases it.
func openStore(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return store.NewRedis(rdb), func() {}, nil
	case config.BackendPostgres:
		if err := store.RunMigrations(cfg.Postgres.URL); err != nil {
			return nil, nil, err
		}
		db, err := store.OpenPostgres(cfg.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgres(db), func() { _ = db.Close() }, nil
	case config.BackendMemory:
		log.Warn("memory store selected: balances are lost on restart")
		return store.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

type domainReader interface {
	DomainSeparator(ctx context.Context) ([32]byte, error)
}

// checkDomain refuses a codec whose separator differs from the one Permit2
// reports, since every signature would then fail on chain.
func checkDomain(ctx context.Context, codec *permit.Codec, p2 domainReader) error {
	onchain, err := p2.DomainSeparator(ctx)
	if err != nil {
		return fmt.Errorf("read DOMAIN_SEPARATOR: %w", err)
	}
	local := codec.DomainSeparator()
	if onchain != local {
		return fmt.Errorf("domain separator mismatch: permit2 %s, configured %s",
			hexutil.Encode(onchain[:]), hexutil.Encode(local[:]))
	}
	return nil
}

func parseTokens(raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("not an address: %q", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}
