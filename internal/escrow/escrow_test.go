package escrow

import (
	"crypto/sha256"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/storage"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "crosslock-escrow-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEscrow(t *testing.T, store *storage.Storage, now time.Time, timelock int64) string {
	t.Helper()

	hashlock := sha256.Sum256([]byte("secret"))
	address := DeriveAddress("test-escrow")
	msg := &InitMsg{
		SwapHash: "hash-1",
		Maker:    "crosslock1maker",
		Amount:   100,
		Denom:    "uusd",
		Hashlock: hashlock[:],
		Timelock: timelock,
	}
	if _, err := Instantiate(store, now, address, msg); err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	return address
}

func TestInstantiateValidation(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	hashlock := sha256.Sum256([]byte("secret"))

	base := InitMsg{
		SwapHash: "hash-v",
		Maker:    "crosslock1maker",
		Amount:   100,
		Denom:    "uusd",
		Hashlock: hashlock[:],
		Timelock: now.Add(time.Hour).Unix(),
	}

	// Timelock at or before now is rejected
	past := base
	past.Timelock = now.Unix()
	if _, err := Instantiate(store, now, "crosslock1a", &past); !errors.Is(err, ErrTimelockExpired) {
		t.Errorf("past timelock error = %v, want ErrTimelockExpired", err)
	}

	zero := base
	zero.Amount = 0
	if _, err := Instantiate(store, now, "crosslock1b", &zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount error = %v, want ErrInvalidAmount", err)
	}

	noDenom := base
	noDenom.Denom = ""
	if _, err := Instantiate(store, now, "crosslock1c", &noDenom); !errors.Is(err, ErrInvalidDenom) {
		t.Errorf("empty denom error = %v, want ErrInvalidDenom", err)
	}

	shortHash := base
	shortHash.Hashlock = []byte{1, 2, 3}
	if _, err := Instantiate(store, now, "crosslock1d", &shortHash); !errors.Is(err, ErrInvalidHashlock) {
		t.Errorf("short hashlock error = %v, want ErrInvalidHashlock", err)
	}

	if _, err := Instantiate(store, now, "crosslock1e", &base); err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	// Same address twice is rejected
	if _, err := Instantiate(store, now, "crosslock1e", &base); err == nil {
		t.Error("Instantiate() at existing address should fail")
	}
}

func TestHappyPathRevealBeforeTimelock(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	timelock := now.Add(time.Hour).Unix()
	address := newTestEscrow(t, store, now, timelock)

	// Lock by resolver R
	eff, err := LockFunds(store, now, "crosslock1resolver", address, 100, "uusd", 100, "uusd")
	if err != nil {
		t.Fatalf("LockFunds() error = %v", err)
	}
	if len(eff.Transfers) != 1 || eff.Transfers[0].To != address {
		t.Errorf("LockFunds() transfers = %v, want funds into escrow", eff.Transfers)
	}

	swap, err := GetSwapInfo(store, address)
	if err != nil {
		t.Fatalf("GetSwapInfo() error = %v", err)
	}
	if swap.Status != storage.EscrowStatusFunded {
		t.Errorf("Status = %s, want funded", swap.Status)
	}
	if swap.Resolver != "crosslock1resolver" {
		t.Errorf("Resolver = %s, want crosslock1resolver", swap.Resolver)
	}
	if swap.FundedAt == 0 {
		t.Error("FundedAt should be set")
	}

	// Reveal with correct secret before timelock
	eff, err = RevealSecret(store, now, address, []byte("secret"))
	if err != nil {
		t.Fatalf("RevealSecret() error = %v", err)
	}
	if len(eff.Transfers) != 1 {
		t.Fatalf("RevealSecret() transfers = %d, want 1", len(eff.Transfers))
	}
	if eff.Transfers[0].To != "crosslock1maker" || eff.Transfers[0].Amount != 100 {
		t.Errorf("transfer = %+v, want 100uusd to maker", eff.Transfers[0])
	}

	swap, _ = GetSwapInfo(store, address)
	if swap.Status != storage.EscrowStatusCompleted {
		t.Errorf("Status = %s, want completed", swap.Status)
	}
	if swap.CompletedAt == 0 {
		t.Error("CompletedAt should be set")
	}

	// Second reveal must fail
	if _, err := RevealSecret(store, now, address, []byte("secret")); !errors.Is(err, ErrSwapNotFunded) {
		t.Errorf("second RevealSecret() error = %v, want ErrSwapNotFunded", err)
	}
}

func TestRevealAtExactTimelockBoundary(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	timelock := now.Add(time.Hour).Unix()
	address := newTestEscrow(t, store, now, timelock)

	if _, err := LockFunds(store, now, "crosslock1resolver", address, 100, "uusd", 100, "uusd"); err != nil {
		t.Fatalf("LockFunds() error = %v", err)
	}

	// Reveal at exactly the timelock second succeeds
	atBoundary := time.Unix(timelock, 0)
	if _, err := RevealSecret(store, atBoundary, address, []byte("secret")); err != nil {
		t.Errorf("RevealSecret() at boundary error = %v, want nil", err)
	}
}

func TestRevealAfterTimelockFails(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	timelock := now.Add(time.Hour).Unix()
	address := newTestEscrow(t, store, now, timelock)

	if _, err := LockFunds(store, now, "crosslock1resolver", address, 100, "uusd", 100, "uusd"); err != nil {
		t.Fatalf("LockFunds() error = %v", err)
	}

	afterBoundary := time.Unix(timelock+1, 0)
	if _, err := RevealSecret(store, afterBoundary, address, []byte("secret")); !errors.Is(err, ErrTimelockExpired) {
		t.Errorf("RevealSecret() after timelock error = %v, want ErrTimelockExpired", err)
	}
}

func TestRevealWrongSecret(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	address := newTestEscrow(t, store, now, now.Add(time.Hour).Unix())

	if _, err := LockFunds(store, now, "crosslock1resolver", address, 100, "uusd", 100, "uusd"); err != nil {
		t.Fatalf("LockFunds() error = %v", err)
	}

	if _, err := RevealSecret(store, now, address, []byte("wrong")); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("RevealSecret(wrong) error = %v, want ErrInvalidSecret", err)
	}

	// Escrow stays funded after a bad reveal
	swap, _ := GetSwapInfo(store, address)
	if swap.Status != storage.EscrowStatusFunded {
		t.Errorf("Status = %s, want funded after failed reveal", swap.Status)
	}
}

func TestRevealUnfundedFails(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	address := newTestEscrow(t, store, now, now.Add(time.Hour).Unix())

	if _, err := RevealSecret(store, now, address, []byte("secret")); !errors.Is(err, ErrSwapNotFunded) {
		t.Errorf("RevealSecret() on pending error = %v, want ErrSwapNotFunded", err)
	}
}

func TestLockFundsValidation(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	address := newTestEscrow(t, store, now, now.Add(time.Hour).Unix())

	// Declared amount must match the commitment
	if _, err := LockFunds(store, now, "r", address, 50, "uusd", 50, "uusd"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("partial lock error = %v, want ErrInvalidAmount", err)
	}
	if _, err := LockFunds(store, now, "r", address, 100, "uatom", 100, "uatom"); !errors.Is(err, ErrInvalidDenom) {
		t.Errorf("wrong denom error = %v, want ErrInvalidDenom", err)
	}

	// Attached funds must match exactly, under- and over-payment fail
	if _, err := LockFunds(store, now, "r", address, 100, "uusd", 99, "uusd"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("underpayment error = %v, want ErrInsufficientFunds", err)
	}
	if _, err := LockFunds(store, now, "r", address, 100, "uusd", 101, "uusd"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("overpayment error = %v, want ErrInsufficientFunds", err)
	}
	if _, err := LockFunds(store, now, "r", address, 100, "uusd", 100, "uatom"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("wrong paid denom error = %v, want ErrInsufficientFunds", err)
	}

	// Valid lock, then a second lock fails
	if _, err := LockFunds(store, now, "r", address, 100, "uusd", 100, "uusd"); err != nil {
		t.Fatalf("LockFunds() error = %v", err)
	}
	if _, err := LockFunds(store, now, "r2", address, 100, "uusd", 100, "uusd"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("second lock error = %v, want ErrAlreadyCompleted", err)
	}

	// Resolver is set exactly once
	swap, _ := GetSwapInfo(store, address)
	if swap.Resolver != "r" {
		t.Errorf("Resolver = %s, want r", swap.Resolver)
	}
}

func TestCancelFundedRefundsResolver(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	timelock := now.Add(time.Hour).Unix()
	address := newTestEscrow(t, store, now, timelock)

	if _, err := LockFunds(store, now, "crosslock1resolver", address, 100, "uusd", 100, "uusd"); err != nil {
		t.Fatalf("LockFunds() error = %v", err)
	}

	// Cancel at the timelock second is still too early
	atBoundary := time.Unix(timelock, 0)
	if _, err := CancelSwap(store, atBoundary, address); !errors.Is(err, ErrTimelockNotExpired) {
		t.Errorf("CancelSwap() at boundary error = %v, want ErrTimelockNotExpired", err)
	}

	after := time.Unix(timelock+1, 0)
	eff, err := CancelSwap(store, after, address)
	if err != nil {
		t.Fatalf("CancelSwap() error = %v", err)
	}
	if len(eff.Transfers) != 1 {
		t.Fatalf("CancelSwap() transfers = %d, want 1", len(eff.Transfers))
	}
	// Refund goes to the resolver, never the maker
	if eff.Transfers[0].To != "crosslock1resolver" {
		t.Errorf("refund to %s, want crosslock1resolver", eff.Transfers[0].To)
	}

	swap, _ := GetSwapInfo(store, address)
	if swap.Status != storage.EscrowStatusCancelled {
		t.Errorf("Status = %s, want cancelled", swap.Status)
	}

	// Cancelled is terminal
	if _, err := CancelSwap(store, after, address); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("second CancelSwap() error = %v, want ErrAlreadyCompleted", err)
	}
	if _, err := RevealSecret(store, after, address, []byte("secret")); !errors.Is(err, ErrSwapNotFunded) {
		t.Errorf("RevealSecret() after cancel error = %v, want ErrSwapNotFunded", err)
	}
	if _, err := LockFunds(store, after, "r", address, 100, "uusd", 100, "uusd"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("LockFunds() after cancel error = %v, want ErrAlreadyCompleted", err)
	}
}

func TestCancelPendingNoRefund(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	timelock := now.Add(time.Hour).Unix()
	address := newTestEscrow(t, store, now, timelock)

	after := time.Unix(timelock+1, 0)
	eff, err := CancelSwap(store, after, address)
	if err != nil {
		t.Fatalf("CancelSwap() error = %v", err)
	}
	// Never funded, nothing to return
	if len(eff.Transfers) != 0 {
		t.Errorf("CancelSwap() transfers = %d, want 0", len(eff.Transfers))
	}

	swap, _ := GetSwapInfo(store, address)
	if swap.Status != storage.EscrowStatusCancelled {
		t.Errorf("Status = %s, want cancelled", swap.Status)
	}
}

func TestCancelCompletedFails(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	timelock := now.Add(time.Hour).Unix()
	address := newTestEscrow(t, store, now, timelock)

	LockFunds(store, now, "r", address, 100, "uusd", 100, "uusd")
	if _, err := RevealSecret(store, now, address, []byte("secret")); err != nil {
		t.Fatalf("RevealSecret() error = %v", err)
	}

	after := time.Unix(timelock+1, 0)
	if _, err := CancelSwap(store, after, address); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("CancelSwap() on completed error = %v, want ErrAlreadyCompleted", err)
	}
}

func TestEscrowNotFound(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	if _, err := GetSwapInfo(store, "crosslock1missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("GetSwapInfo(missing) error = %v, want ErrEscrowNotFound", err)
	}
	if _, err := RevealSecret(store, now, "crosslock1missing", []byte("x")); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("RevealSecret(missing) error = %v, want ErrEscrowNotFound", err)
	}
}

func TestDeriveAddress(t *testing.T) {
	a := DeriveAddress("label-1")
	b := DeriveAddress("label-1")
	c := DeriveAddress("label-2")

	if a != b {
		t.Error("DeriveAddress should be deterministic")
	}
	if a == c {
		t.Error("distinct labels should derive distinct addresses")
	}
	if len(a) != len(addressPrefix)+40 {
		t.Errorf("address length = %d, want %d", len(a), len(addressPrefix)+40)
	}
}
