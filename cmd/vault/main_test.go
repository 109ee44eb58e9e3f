package main

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-permit-vault/internal/config"
	"github.com/0gfoundation/0g-permit-vault/internal/permit"
	"github.com/0gfoundation/0g-permit-vault/internal/store"
)

type fixedDomain struct {
	sep [32]byte
	err error
}

func (f fixedDomain) DomainSeparator(context.Context) ([32]byte, error) { return f.sep, f.err }

func TestCheckDomain(t *testing.T) {
	codec, err := permit.NewCodec(permit.Permit2Domain(big.NewInt(11155111)))
	if err != nil {
		t.Fatal(err)
	}

	if err := checkDomain(context.Background(), codec, fixedDomain{sep: codec.DomainSeparator()}); err != nil {
		t.Fatalf("matching separator: %v", err)
	}

	other, _ := permit.NewCodec(permit.Permit2Domain(big.NewInt(1)))
	err = checkDomain(context.Background(), codec, fixedDomain{sep: other.DomainSeparator()})
	if err == nil || !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("other chain: got %v, want mismatch", err)
	}

	rpcErr := errors.New("rpc down")
	if err := checkDomain(context.Background(), codec, fixedDomain{err: rpcErr}); !errors.Is(err, rpcErr) {
		t.Fatalf("rpc failure: got %v", err)
	}
}

func TestParseTokens(t *testing.T) {
	got, err := parseTokens([]string{" 0x5FbDB2315678afecb367f032d93F642f64180aa3", ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3") {
		t.Fatalf("got %v", got)
	}
	if _, err := parseTokens([]string{"usdc"}); err == nil {
		t.Fatal("expected error for non-address token")
	}
}

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	open := func(backend string) (store.Store, error) {
		cfg := &config.Config{Store: config.StoreConfig{Backend: backend}}
		st, closeFn, err := openStore(cfg, rdb, zap.NewNop())
		if err == nil {
			closeFn()
		}
		return st, err
	}

	st, err := open(config.BackendRedis)
	if _, ok := st.(*store.Redis); err != nil || !ok {
		t.Errorf("redis: got %T, %v", st, err)
	}
	st, err = open(config.BackendMemory)
	if _, ok := st.(*store.Memory); err != nil || !ok {
		t.Errorf("memory: got %T, %v", st, err)
	}
	if _, err := open("sqlite"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
