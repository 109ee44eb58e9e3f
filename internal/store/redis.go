package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// Redis key templates
const (
	NonceKeyFmt       = "vault:nonce:%s"       // %s = nonceID(owner, nonce)
	ReservationKeyFmt = "vault:reservation:%s" // %s = deposit id; hash of reservation fields
	BalanceKeyFmt     = "vault:balance:%s"     // %s = owner (lowercase); hash field = token
	ReceiptKeyFmt     = "vault:receipt:%s"     // %s = deposit id; hash of receipt fields
	PendingKey        = "vault:pending"        // set of reserved deposit ids
	TotalsKey         = "vault:totals"         // hash: token → sum of balances
)

// Nonce key values. The deposit id follows the prefix.
const (
	reservedPrefix = "reserved:"
	consumedPrefix = "consumed:"
)

// Every mutation is one Lua script, so Redis runs it atomically and
// depositors never contend on an optimistic lock. Balances are decimal
// strings (uint256 does not fit HINCRBY); uint256Lua does the arithmetic.
const uint256Lua = `
local MAX = '115792089237316195423570985008687907853269984665640564039457584007913129639935'

local function add(a, b)
  local out, carry = {}, 0
  local i, j = #a, #b
  while i > 0 or j > 0 or carry > 0 do
    local d = carry
    if i > 0 then d = d + string.byte(a, i) - 48; i = i - 1 end
    if j > 0 then d = d + string.byte(b, j) - 48; j = j - 1 end
    out[#out + 1] = string.char(48 + d % 10)
    carry = math.floor(d / 10)
  end
  if #out == 0 then return '0' end
  return string.reverse(table.concat(out))
end

local function fits(s)
  if #s ~= #MAX then return #s < #MAX end
  return s <= MAX
end
`

// KEYS: nonce, reservation, pending
// ARGV: deposit id, owner, token, amount, nonce, deadline, created_at
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('SET', KEYS[1], 'reserved:' .. ARGV[1])
redis.call('HSET', KEYS[2], 'deposit_id', ARGV[1], 'owner', ARGV[2], 'token', ARGV[3],
  'amount', ARGV[4], 'nonce', ARGV[5], 'deadline', ARGV[6], 'created_at', ARGV[7], 'tx_hash', '')
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

// KEYS: nonce, reservation, pending
// ARGV: deposit id
var releaseScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if not state then return 1 end
if state ~= 'reserved:' .. ARGV[1] then return 0 end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return 1
`)

// KEYS: nonce, reservation
// ARGV: deposit id, tx hash
var recordBroadcastScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= 'reserved:' .. ARGV[1] then return 0 end
redis.call('HSET', KEYS[2], 'tx_hash', ARGV[2])
return 1
`)

// KEYS: nonce, reservation, pending, totals, receipt, balance
// ARGV: deposit id, tx hash ('' to use the recorded one), credited_at
var commitScript = redis.NewScript(uint256Lua + `
local state = redis.call('GET', KEYS[1])
if state == 'consumed:' .. ARGV[1] then return 'committed' end
if state ~= 'reserved:' .. ARGV[1] then return 'not_reserved' end

local held = redis.call('HMGET', KEYS[2], 'owner', 'token', 'amount', 'nonce', 'tx_hash')
if not held[3] then return 'not_reserved' end
local token, amount = held[2], held[3]

local bal = add(redis.call('HGET', KEYS[6], token) or '0', amount)
local total = add(redis.call('HGET', KEYS[4], token) or '0', amount)
if not fits(bal) or not fits(total) then return 'overflow' end

local txh = ARGV[2]
if txh == '' then txh = held[5] or '' end

redis.call('SET', KEYS[1], 'consumed:' .. ARGV[1])
redis.call('HSET', KEYS[6], token, bal)
redis.call('HSET', KEYS[4], token, total)
redis.call('HSET', KEYS[5], 'deposit_id', ARGV[1], 'owner', held[1], 'token', token,
  'amount', amount, 'nonce', held[4], 'tx_hash', txh, 'balance', bal, 'credited_at', ARGV[3])
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return 'ok'
`)

// KEYS: balance, totals
// ARGV: token, amount
var creditScript = redis.NewScript(uint256Lua + `
local bal = add(redis.call('HGET', KEYS[1], ARGV[1]) or '0', ARGV[2])
local total = add(redis.call('HGET', KEYS[2], ARGV[1]) or '0', ARGV[2])
if not fits(bal) or not fits(total) then return 'overflow' end
redis.call('HSET', KEYS[1], ARGV[1], bal)
redis.call('HSET', KEYS[2], ARGV[1], total)
return bal
`)

// Redis is a Store backed by Redis.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func nonceKey(signer common.Address, nonce *big.Int) string {
	return fmt.Sprintf(NonceKeyFmt, nonceID(signer, nonce))
}

func reservationKey(depositID string) string {
	return fmt.Sprintf(ReservationKeyFmt, depositID)
}

func balanceKey(user common.Address) string {
	return fmt.Sprintf(BalanceKeyFmt, strings.ToLower(user.Hex()))
}

func tokenField(token common.Address) string {
	return strings.ToLower(token.Hex())
}

func (s *Redis) Reserve(ctx context.Context, r Reservation) error {
	if err := validReservation(r); err != nil {
		return err
	}
	deadline := "0"
	if r.Deadline != nil {
		deadline = r.Deadline.String()
	}
	keys := []string{nonceKey(r.Owner, r.Nonce), reservationKey(r.DepositID), PendingKey}
	ok, err := reserveScript.Run(ctx, s.rdb, keys,
		r.DepositID, strings.ToLower(r.Owner.Hex()), tokenField(r.Token),
		r.Amount.String(), r.Nonce.String(), deadline, r.CreatedAt,
	).Int()
	if err != nil {
		return fmt.Errorf("reserve nonce: %w", err)
	}
	if ok == 0 {
		return ErrNonceReused
	}
	return nil
}

func (s *Redis) Release(ctx context.Context, r Reservation) error {
	keys := []string{nonceKey(r.Owner, r.Nonce), reservationKey(r.DepositID), PendingKey}
	ok, err := releaseScript.Run(ctx, s.rdb, keys, r.DepositID).Int()
	if err != nil {
		return fmt.Errorf("release nonce: %w", err)
	}
	if ok == 0 {
		return ErrNotReserved
	}
	return nil
}

func (s *Redis) RecordBroadcast(ctx context.Context, r Reservation, txHash common.Hash) error {
	keys := []string{nonceKey(r.Owner, r.Nonce), reservationKey(r.DepositID)}
	ok, err := recordBroadcastScript.Run(ctx, s.rdb, keys, r.DepositID, txHash.Hex()).Int()
	if err != nil {
		return fmt.Errorf("record broadcast: %w", err)
	}
	if ok == 0 {
		return ErrNotReserved
	}
	return nil
}

func (s *Redis) Consume(ctx context.Context, signer common.Address, nonce *big.Int) error {
	set, err := s.rdb.SetNX(ctx, nonceKey(signer, nonce), consumedPrefix, 0).Result()
	if err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}
	if !set {
		return ErrNonceReused
	}
	return nil
}

func (s *Redis) Consumed(ctx context.Context, signer common.Address, nonce *big.Int) (bool, error) {
	state, err := s.rdb.Get(ctx, nonceKey(signer, nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(state, consumedPrefix), nil
}

// Pending returns all outstanding reservations, oldest first.
func (s *Redis) Pending(ctx context.Context) ([]Reservation, error) {
	ids, err := s.rdb.SMembers(ctx, PendingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, reservationKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}

	out := make([]Reservation, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Committed or released since SMEMBERS.
			continue
		}
		r, err := parseReservation(fields)
		if err != nil {
			return nil, fmt.Errorf("reservation %s: %w", ids[i], err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Redis) Commit(ctx context.Context, r Reservation, txHash common.Hash) (*Receipt, error) {
	hash := ""
	if txHash != (common.Hash{}) {
		hash = txHash.Hex()
	}
	keys := []string{
		nonceKey(r.Owner, r.Nonce),
		reservationKey(r.DepositID),
		PendingKey,
		TotalsKey,
		fmt.Sprintf(ReceiptKeyFmt, r.DepositID),
		balanceKey(r.Owner),
	}
	res, err := commitScript.Run(ctx, s.rdb, keys, r.DepositID, hash, s.now().Unix()).Text()
	if err != nil {
		return nil, fmt.Errorf("commit deposit: %w", err)
	}
	switch res {
	case "ok", "committed":
		return s.Receipt(ctx, r.DepositID)
	case "not_reserved":
		return nil, ErrNotReserved
	case "overflow":
		return nil, ErrBalanceOverflow
	default:
		return nil, fmt.Errorf("commit deposit: unexpected script result %q", res)
	}
}

func (s *Redis) Credit(ctx context.Context, user, token common.Address, amount *big.Int) (*big.Int, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	keys := []string{balanceKey(user), TotalsKey}
	res, err := creditScript.Run(ctx, s.rdb, keys, tokenField(token), amount.String()).Text()
	if err != nil {
		return nil, fmt.Errorf("credit: %w", err)
	}
	if res == "overflow" {
		return nil, ErrBalanceOverflow
	}
	return parseAmount(res)
}

func (s *Redis) Balance(ctx context.Context, user, token common.Address) (*big.Int, error) {
	return hgetAmount(ctx, s.rdb, balanceKey(user), tokenField(token))
}

func (s *Redis) Total(ctx context.Context, token common.Address) (*big.Int, error) {
	return hgetAmount(ctx, s.rdb, TotalsKey, tokenField(token))
}

func (s *Redis) Tokens(ctx context.Context) ([]common.Address, error) {
	fields, err := s.rdb.HKeys(ctx, TotalsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	out := make([]common.Address, 0, len(fields))
	for _, f := range fields {
		out = append(out, common.HexToAddress(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, nil
}

func (s *Redis) Receipt(ctx context.Context, depositID string) (*Receipt, error) {
	fields, err := s.rdb.HGetAll(ctx, fmt.Sprintf(ReceiptKeyFmt, depositID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rc := &Receipt{
		DepositID: depositID,
		Owner:     common.HexToAddress(fields["owner"]),
		Token:     common.HexToAddress(fields["token"]),
		TxHash:    common.HexToHash(fields["tx_hash"]),
	}
	if rc.Amount, err = parseAmount(fields["amount"]); err != nil {
		return nil, err
	}
	if rc.Nonce, err = parseAmount(fields["nonce"]); err != nil {
		return nil, err
	}
	if rc.Balance, err = parseAmount(fields["balance"]); err != nil {
		return nil, err
	}
	if rc.CreditedAt, err = strconv.ParseInt(fields["credited_at"], 10, 64); err != nil {
		return nil, fmt.Errorf("store: corrupt credited_at %q", fields["credited_at"])
	}
	return rc, nil
}

func parseReservation(f map[string]string) (Reservation, error) {
	r := Reservation{
		DepositID: f["deposit_id"],
		Owner:     common.HexToAddress(f["owner"]),
		Token:     common.HexToAddress(f["token"]),
		TxHash:    common.HexToHash(f["tx_hash"]),
	}
	var err error
	if r.Amount, err = parseAmount(f["amount"]); err != nil {
		return r, err
	}
	if r.Nonce, err = parseAmount(f["nonce"]); err != nil {
		return r, err
	}
	if r.Deadline, err = parseAmount(f["deadline"]); err != nil {
		return r, err
	}
	if r.CreatedAt, err = strconv.ParseInt(f["created_at"], 10, 64); err != nil {
		return r, fmt.Errorf("store: corrupt created_at %q", f["created_at"])
	}
	return r, nil
}

func hgetAmount(ctx context.Context, c redis.Cmdable, key, field string) (*big.Int, error) {
	raw, err := c.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(raw)
}
