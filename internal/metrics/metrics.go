// Package metrics exports deposit and custody metrics to Prometheus.
package metrics

import (
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0gfoundation/0g-permit-vault/internal/chain"
)

// Collector implements vault.Recorder and reconcile.Gauges.
type Collector struct {
	depositsCredited *prometheus.CounterVec
	amountCredited   *prometheus.CounterVec
	depositsRejected *prometheus.CounterVec
	pullLatency      *prometheus.HistogramVec
	ledgerTotal      *prometheus.GaugeVec
	custodyBalance   *prometheus.GaugeVec
	shortfall        *prometheus.GaugeVec
	pending          prometheus.Gauge
	recovery         *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		depositsCredited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_deposits_credited_total",
			Help: "Deposits pulled into custody and credited to the ledger.",
		}, []string{"token"}),
		amountCredited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_deposit_amount_credited_total",
			Help: "Sum of credited deposit amounts in token base units (approximate above 2^53).",
		}, []string{"token"}),
		depositsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_deposits_rejected_total",
			Help: "Deposits rejected, by error code.",
		}, []string{"code"}),
		pullLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_pull_duration_seconds",
			Help:    "Latency of Permit2 transfer calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		ledgerTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_ledger_total",
			Help: "Sum of credited balances per token.",
		}, []string{"token"}),
		custodyBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_custody_balance",
			Help: "Token balance held by the vault on chain.",
		}, []string{"token"}),
		shortfall: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_custody_shortfall",
			Help: "1 when the ledger total exceeds the vault's on-chain balance.",
		}, []string{"token"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_reservations",
			Help: "Reserved nonces awaiting a pull result or recovery.",
		}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_recovery_outcomes_total",
			Help: "Pending reservations resolved by the recovery loop, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.depositsCredited,
		c.amountCredited,
		c.depositsRejected,
		c.pullLatency,
		c.ledgerTotal,
		c.custodyBalance,
		c.shortfall,
		c.pending,
		c.recovery,
	)
	return c
}

func (c *Collector) DepositCredited(token common.Address, amount *big.Int) {
	label := token.Hex()
	c.depositsCredited.WithLabelValues(label).Inc()
	c.amountCredited.WithLabelValues(label).Add(toFloat(amount))
}

func (c *Collector) DepositRejected(code string) {
	c.depositsRejected.WithLabelValues(code).Inc()
}

// PullObserved records the latency of one transfer call under
// result "ok", "pending" or "failed".
func (c *Collector) PullObserved(d time.Duration, err error) {
	result := "ok"
	switch {
	case errors.Is(err, chain.ErrTransferPending):
		result = "pending"
	case err != nil:
		result = "failed"
	}
	c.pullLatency.WithLabelValues(result).Observe(d.Seconds())
}

func (c *Collector) CustodyObserved(token common.Address, ledger, custody *big.Int) {
	label := token.Hex()
	c.ledgerTotal.WithLabelValues(label).Set(toFloat(ledger))
	c.custodyBalance.WithLabelValues(label).Set(toFloat(custody))
	short := 0.0
	if ledger.Cmp(custody) > 0 {
		short = 1
	}
	c.shortfall.WithLabelValues(label).Set(short)
}

func (c *Collector) PendingReservations(n int) {
	c.pending.Set(float64(n))
}

func (c *Collector) RecoveryOutcome(outcome string) {
	c.recovery.WithLabelValues(outcome).Inc()
}

func toFloat(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}

// Handler serves the Prometheus scrape endpoint.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
