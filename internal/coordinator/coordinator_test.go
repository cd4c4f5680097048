package coordinator

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/escrow"
	"github.com/crosslock-exchange/crosslock/internal/factory"
	"github.com/crosslock-exchange/crosslock/internal/router"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *runtime.Executor, *storage.Storage) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "crosslock-coordinator-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitConfig(&storage.ConfigRecord{
		Admin:        "crosslock1admin",
		EscrowCodeID: 1,
		FactoryAddr:  "crosslock1factory",
		ChannelID:    "channel-0",
	}); err != nil {
		t.Fatalf("InitConfig() error = %v", err)
	}
	store.SetRoute("osmo-1", "channel-1")

	logger := logging.Default()
	f := factory.New(logger)
	r := router.New(logger)
	c := New(f, r, logger)
	exec := runtime.NewExecutor(store, logger)
	exec.SetDeployer(escrow.NewHost(logger), f)
	return c, exec, store
}

func createTestOrderMsg(swapHash string) *CreateOrderMsg {
	hashlock := sha256.Sum256([]byte("secret-" + swapHash))
	return &CreateOrderMsg{
		SwapHash:    swapHash,
		Maker:       "crosslock1maker",
		Amount:      100000,
		Denom:       "uatom",
		Hashlock:    hashlock[:],
		Timelock:    time.Now().Add(time.Hour).Unix(),
		TargetChain: "osmo-1",
	}
}

func TestCreateOrderAtomicComposition(t *testing.T) {
	c, exec, store := newTestCoordinator(t)

	effects, err := exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return c.CreateOrder(tx, now, createTestOrderMsg("hash-1"))
	})
	if err != nil {
		t.Fatalf("Execute(CreateOrder) error = %v", err)
	}

	// Order persisted with the deployed escrow address mirrored in
	order, err := c.GetOrder(store, "hash-1")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if order.Status != storage.OrderStatusPending {
		t.Errorf("order status = %s, want pending", order.Status)
	}
	if order.HTLCAddress != escrow.DeriveAddress("escrow-hash-1") {
		t.Errorf("HTLCAddress = %s, want derived escrow address", order.HTLCAddress)
	}

	// Factory record and escrow instance exist
	info, err := store.GetEscrowInfo("hash-1")
	if err != nil || info == nil {
		t.Fatalf("GetEscrowInfo() = %v, %v", info, err)
	}
	if info.HTLCAddress == "" {
		t.Error("factory record should have a resolved address")
	}

	// Swap-creation packet staged for the target chain
	if len(effects.Packets) != 1 {
		t.Fatalf("Packets = %d, want 1", len(effects.Packets))
	}
	pkt, _ := store.GetOutboundPacket(effects.Packets[0].ID)
	if pkt == nil {
		t.Fatal("packet should be persisted in the outbox")
	}
	if pkt.ChannelID != "channel-1" {
		t.Errorf("packet channel = %s, want channel-1", pkt.ChannelID)
	}
}

func TestCreateOrderUnmappedChainRollsBack(t *testing.T) {
	c, exec, store := newTestCoordinator(t)

	msg := createTestOrderMsg("hash-unrouted")
	msg.TargetChain = "nowhere-1"

	_, err := exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return c.CreateOrder(tx, now, msg)
	})
	if !errors.Is(err, router.ErrUnmappedChain) {
		t.Fatalf("Execute(CreateOrder) error = %v, want ErrUnmappedChain", err)
	}

	// Neither the order nor the factory record survives
	if _, err := c.GetOrder(store, "hash-unrouted"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("GetOrder() error = %v, want ErrOrderNotFound after rollback", err)
	}
	info, _ := store.GetEscrowInfo("hash-unrouted")
	if info != nil {
		t.Error("factory record should have rolled back")
	}
}

func TestCreateOrderDuplicateFails(t *testing.T) {
	c, exec, _ := newTestCoordinator(t)

	if _, err := exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return c.CreateOrder(tx, now, createTestOrderMsg("hash-dup"))
	}); err != nil {
		t.Fatalf("Execute(CreateOrder) error = %v", err)
	}

	_, err := exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return c.CreateOrder(tx, now, createTestOrderMsg("hash-dup"))
	})
	if !errors.Is(err, ErrOrderAlreadyExists) {
		t.Errorf("duplicate CreateOrder error = %v, want ErrOrderAlreadyExists", err)
	}
}

func TestUpdateOrderStatusAuthAndTransitions(t *testing.T) {
	c, exec, store := newTestCoordinator(t)

	if _, err := exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return c.CreateOrder(tx, now, createTestOrderMsg("hash-s"))
	}); err != nil {
		t.Fatalf("Execute(CreateOrder) error = %v", err)
	}
	now := time.Now()

	// Strangers may not update
	if _, err := c.UpdateOrderStatus(store, now, "crosslock1stranger", "hash-s", storage.OrderStatusCreated); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger update error = %v, want ErrUnauthorized", err)
	}

	// Factory address may update
	if _, err := c.UpdateOrderStatus(store, now, "crosslock1factory", "hash-s", storage.OrderStatusCreated); err != nil {
		t.Fatalf("factory update error = %v", err)
	}

	// Same status again is not a forward move
	if _, err := c.UpdateOrderStatus(store, now, "crosslock1admin", "hash-s", storage.OrderStatusCreated); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("same-status update error = %v, want ErrInvalidStatusTransition", err)
	}

	// Backward moves are rejected
	if _, err := c.UpdateOrderStatus(store, now, "crosslock1admin", "hash-s", storage.OrderStatusPending); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("backward update error = %v, want ErrInvalidStatusTransition", err)
	}

	// Forward to funded, then terminal
	if _, err := c.UpdateOrderStatus(store, now, "crosslock1admin", "hash-s", storage.OrderStatusFunded); err != nil {
		t.Fatalf("funded update error = %v", err)
	}
	if _, err := c.UpdateOrderStatus(store, now, "crosslock1admin", "hash-s", storage.OrderStatusCompleted); err != nil {
		t.Fatalf("completed update error = %v", err)
	}

	// Terminal states never change, not even to another terminal
	if _, err := c.UpdateOrderStatus(store, now, "crosslock1admin", "hash-s", storage.OrderStatusCancelled); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("terminal update error = %v, want ErrInvalidStatusTransition", err)
	}

	// Unknown order
	if _, err := c.UpdateOrderStatus(store, now, "crosslock1admin", "hash-none", storage.OrderStatusCreated); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("unknown order error = %v, want ErrOrderNotFound", err)
	}
}

func TestUpdateOrderStatusSkipAhead(t *testing.T) {
	c, exec, store := newTestCoordinator(t)

	if _, err := exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return c.CreateOrder(tx, now, createTestOrderMsg("hash-skip"))
	}); err != nil {
		t.Fatalf("Execute(CreateOrder) error = %v", err)
	}

	// Pending straight to funded is still forward
	if _, err := c.UpdateOrderStatus(store, time.Now(), "crosslock1admin", "hash-skip", storage.OrderStatusFunded); err != nil {
		t.Errorf("skip-ahead update error = %v", err)
	}
}

func TestProcessPacketChannelValidation(t *testing.T) {
	c, exec, store := newTestCoordinator(t)
	hashlock := sha256.Sum256([]byte("s"))

	payload, _ := json.Marshal(&router.Envelope{Action: router.Action{CreateHTLC: &router.CreateHTLCAction{
		SwapHash: "hash-in",
		Maker:    "crosslock1maker",
		Amount:   500,
		Denom:    "uosmo",
		Hashlock: hashlock[:],
		Timelock: time.Now().Add(time.Hour).Unix(),
	}}})

	// Wrong channel rejected before any write
	_, err := exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		eff, _, err := c.ProcessPacket(tx, now, "channel-9", payload)
		return eff, err
	})
	if !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("wrong channel error = %v, want ErrInvalidChannel", err)
	}
	if _, err := c.GetOrder(store, "hash-in"); !errors.Is(err, ErrOrderNotFound) {
		t.Error("no order should exist after a rejected packet")
	}

	// Configured channel accepted
	var ack []byte
	_, err = exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		eff, a, err := c.ProcessPacket(tx, now, "channel-0", payload)
		ack = a
		return eff, err
	})
	if err != nil {
		t.Fatalf("ProcessPacket() error = %v", err)
	}
	if string(ack) != "ok" {
		t.Errorf("ack = %q, want ok", ack)
	}

	order, err := c.GetOrder(store, "hash-in")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if order.TargetChain != "unknown" {
		t.Errorf("TargetChain = %s, want unknown for packet-created orders", order.TargetChain)
	}
	// The counter escrow deployed within the same unit
	if order.HTLCAddress == "" {
		t.Error("packet-created order should have a deployed escrow")
	}
}

func TestProcessPacketUpdateStatus(t *testing.T) {
	c, exec, store := newTestCoordinator(t)

	if _, err := exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return c.CreateOrder(tx, now, createTestOrderMsg("hash-u"))
	}); err != nil {
		t.Fatalf("Execute(CreateOrder) error = %v", err)
	}

	payload := []byte(`{"action":{"update_status":{"swap_hash":"hash-u","status":"funded"}}}`)
	_, err := exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		eff, _, err := c.ProcessPacket(tx, now, "channel-0", payload)
		return eff, err
	})
	if err != nil {
		t.Fatalf("ProcessPacket(update) error = %v", err)
	}

	order, _ := c.GetOrder(store, "hash-u")
	if order.Status != storage.OrderStatusFunded {
		t.Errorf("order status = %s, want funded", order.Status)
	}

	// Forward-only holds for packet-driven updates too
	backward := []byte(`{"action":{"update_status":{"swap_hash":"hash-u","status":"created"}}}`)
	_, err = exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		eff, _, err := c.ProcessPacket(tx, now, "channel-0", backward)
		return eff, err
	})
	if !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("backward packet update error = %v, want ErrInvalidStatusTransition", err)
	}
}

func TestGetOrdersByMaker(t *testing.T) {
	c, exec, store := newTestCoordinator(t)

	for _, hash := range []string{"hash-m1", "hash-m2"} {
		msg := createTestOrderMsg(hash)
		if _, err := exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
			return c.CreateOrder(tx, now, msg)
		}); err != nil {
			t.Fatalf("Execute(CreateOrder %s) error = %v", hash, err)
		}
	}
	store.AppendMakerOrder("crosslock1maker", "hash-gone")

	orders, err := c.GetOrdersByMaker(store, "crosslock1maker")
	if err != nil {
		t.Fatalf("GetOrdersByMaker() error = %v", err)
	}
	if len(orders) != 2 {
		t.Errorf("GetOrdersByMaker() returned %d orders, want 2", len(orders))
	}
}

func TestConfigSetters(t *testing.T) {
	c, _, store := newTestCoordinator(t)

	if _, err := c.UpdateFactoryAddr(store, "crosslock1stranger", "crosslock1newfactory"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("UpdateFactoryAddr(stranger) error = %v, want ErrUnauthorized", err)
	}
	if _, err := c.UpdateFactoryAddr(store, "crosslock1admin", "crosslock1newfactory"); err != nil {
		t.Fatalf("UpdateFactoryAddr() error = %v", err)
	}
	if _, err := c.UpdateChannel(store, "crosslock1admin", "channel-7"); err != nil {
		t.Fatalf("UpdateChannel() error = %v", err)
	}

	cfg, _ := store.GetConfig()
	if cfg.FactoryAddr != "crosslock1newfactory" {
		t.Errorf("FactoryAddr = %s, want crosslock1newfactory", cfg.FactoryAddr)
	}
	if cfg.ChannelID != "channel-7" {
		t.Errorf("ChannelID = %s, want channel-7", cfg.ChannelID)
	}
	if cfg.Version != 3 {
		t.Errorf("config version = %d, want 3", cfg.Version)
	}
}
