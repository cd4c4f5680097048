package rpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/bank"
	"github.com/crosslock-exchange/crosslock/internal/coordinator"
	"github.com/crosslock-exchange/crosslock/internal/escrow"
	"github.com/crosslock-exchange/crosslock/internal/factory"
	"github.com/crosslock-exchange/crosslock/internal/router"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

func newTestServer(t *testing.T) (*Server, *storage.Storage) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "crosslock-rpc-test-*")
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
	rtr := router.New(logger)
	coord := coordinator.New(f, rtr, logger)
	keeper := bank.NewKeeper(logger)
	exec := runtime.NewExecutor(store, logger)
	exec.SetDeployer(escrow.NewHost(logger), f)

	return NewServer(nil, store, exec, f, coord, rtr, keeper), store
}

// call posts a JSON-RPC request against the server and decodes the response.
func call(t *testing.T, s *Server, method string, params interface{}) *Response {
	t.Helper()

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("failed to marshal params: %v", err)
		}
		rawParams = data
	}

	req := Request{JSONRPC: "2.0", Method: method, Params: rawParams, ID: 1}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	httpReq := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleRPC(rec, httpReq)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &resp
}

// decodeResult re-marshals the generic result into a typed struct.
func decodeResult(t *testing.T, resp *Response, out interface{}) {
	t.Helper()

	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to re-marshal result: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
}

func TestRPCMethodNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "no_such_method", nil)
	if resp.Error == nil {
		t.Fatal("expected error")
	}
	if resp.Error.Code != MethodNotFound {
		t.Errorf("Error.Code = %d, want %d", resp.Error.Code, MethodNotFound)
	}
}

func TestRPCRejectsWrongVersion(t *testing.T) {
	s, _ := newTestServer(t)

	body := []byte(`{"jsonrpc":"1.0","method":"config_get","id":1}`)
	httpReq := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleRPC(rec, httpReq)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Errorf("expected InvalidRequest error, got %+v", resp.Error)
	}
}

func TestRPCRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	httpReq := httptest.NewRequest("POST", "/", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.handleRPC(rec, httpReq)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Errorf("expected ParseError, got %+v", resp.Error)
	}
}

func TestRPCConfigGet(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "config_get", nil)
	if resp.Error != nil {
		t.Fatalf("config_get error = %v", resp.Error)
	}

	var result ConfigResult
	decodeResult(t, resp, &result)

	if result.Version != 1 {
		t.Errorf("Version = %d, want 1", result.Version)
	}
	if result.Admin != "crosslock1admin" {
		t.Errorf("Admin = %s, want crosslock1admin", result.Admin)
	}
	if result.ChannelID != "channel-0" {
		t.Errorf("ChannelID = %s, want channel-0", result.ChannelID)
	}
}

func TestRPCConfigUpdateChannel(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "config_updateChannel", ConfigUpdateChannelParams{
		Sender:    "crosslock1admin",
		ChannelID: "channel-9",
	})
	if resp.Error != nil {
		t.Fatalf("config_updateChannel error = %v", resp.Error)
	}

	resp = call(t, s, "config_get", nil)
	var result ConfigResult
	decodeResult(t, resp, &result)

	if result.ChannelID != "channel-9" {
		t.Errorf("ChannelID = %s, want channel-9", result.ChannelID)
	}
	if result.Version != 2 {
		t.Errorf("Version = %d, want 2", result.Version)
	}

	// Non-admin update is rejected
	resp = call(t, s, "config_updateChannel", ConfigUpdateChannelParams{
		Sender:    "crosslock1stranger",
		ChannelID: "channel-10",
	})
	if resp.Error == nil {
		t.Error("expected error for non-admin sender")
	}
}

func TestRPCConfigUpdateAdmin(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "config_updateAdmin", ConfigUpdateAdminParams{
		Sender:   "crosslock1admin",
		NewAdmin: "crosslock1successor",
	})
	if resp.Error != nil {
		t.Fatalf("config_updateAdmin error = %v", resp.Error)
	}

	// The old admin lost its authority
	resp = call(t, s, "config_updateChannel", ConfigUpdateChannelParams{
		Sender:    "crosslock1admin",
		ChannelID: "channel-9",
	})
	if resp.Error == nil {
		t.Error("expected error for former admin")
	}

	// The new admin holds it
	resp = call(t, s, "config_updateChannel", ConfigUpdateChannelParams{
		Sender:    "crosslock1successor",
		ChannelID: "channel-9",
	})
	if resp.Error != nil {
		t.Fatalf("config_updateChannel error = %v", resp.Error)
	}

	resp = call(t, s, "config_get", nil)
	var result ConfigResult
	decodeResult(t, resp, &result)
	if result.Admin != "crosslock1successor" {
		t.Errorf("Admin = %s, want crosslock1successor", result.Admin)
	}
	if result.Version != 3 {
		t.Errorf("Version = %d, want 3", result.Version)
	}
}

func TestRPCRouterSend(t *testing.T) {
	s, store := newTestServer(t)

	resp := call(t, s, "router_send", RouterSendParams{
		DestChain: "osmo-1",
		Action:    json.RawMessage(`{"update_status":{"swap_hash":"deadbeef","status":"funded"}}`),
	})
	if resp.Error != nil {
		t.Fatalf("router_send error = %v", resp.Error)
	}

	var result map[string]interface{}
	decodeResult(t, resp, &result)
	packetID, _ := result["packet_id"].(string)
	if packetID == "" {
		t.Fatal("expected a packet_id in the result")
	}

	pkt, err := store.GetOutboundPacket(packetID)
	if err != nil {
		t.Fatalf("GetOutboundPacket() error = %v", err)
	}
	if pkt == nil {
		t.Fatal("packet not found in outbox")
	}
	if pkt.ChannelID != "channel-1" {
		t.Errorf("ChannelID = %s, want channel-1", pkt.ChannelID)
	}

	// Unknown action tags never reach the outbox
	resp = call(t, s, "router_send", RouterSendParams{
		DestChain: "osmo-1",
		Action:    json.RawMessage(`{"burn_everything":{}}`),
	})
	if resp.Error == nil {
		t.Error("expected error for unknown action tag")
	}

	// Unmapped chains are rejected
	resp = call(t, s, "router_send", RouterSendParams{
		DestChain: "nowhere-1",
		Action:    json.RawMessage(`{"update_status":{"swap_hash":"deadbeef","status":"funded"}}`),
	})
	if resp.Error == nil {
		t.Error("expected error for unmapped chain")
	}
}

func TestRPCBankDepositAndBalance(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "bank_deposit", BankDepositParams{
		Account: "crosslock1alice",
		Denom:   "uatom",
		Amount:  500000,
	})
	if resp.Error != nil {
		t.Fatalf("bank_deposit error = %v", resp.Error)
	}

	resp = call(t, s, "bank_balance", BankBalanceParams{
		Account: "crosslock1alice",
		Denom:   "uatom",
	})
	if resp.Error != nil {
		t.Fatalf("bank_balance error = %v", resp.Error)
	}

	var result BankBalanceResult
	decodeResult(t, resp, &result)
	if result.Amount != 500000 {
		t.Errorf("Amount = %d, want 500000", result.Amount)
	}
}

func TestRPCFactoryCreateAndGet(t *testing.T) {
	s, _ := newTestServer(t)

	hashlock := sha256.Sum256([]byte("rpc-secret"))
	params := FactoryCreateParams{
		SwapHash: "hash-rpc-1",
		Maker:    "crosslock1maker",
		Amount:   100000,
		Denom:    "uatom",
		Hashlock: helpers.BytesToHex(hashlock[:]),
		Timelock: time.Now().Add(time.Hour).Unix(),
	}

	resp := call(t, s, "factory_createHTLC", params)
	if resp.Error != nil {
		t.Fatalf("factory_createHTLC error = %v", resp.Error)
	}

	var created HTLCInfoResult
	decodeResult(t, resp, &created)
	if created.HTLCAddress == "" {
		t.Error("expected resolved HTLC address")
	}
	if created.HTLCAddress != escrow.DeriveAddress("escrow-hash-rpc-1") {
		t.Errorf("HTLCAddress = %s, want derived escrow address", created.HTLCAddress)
	}

	resp = call(t, s, "factory_getHTLC", FactoryGetParams{SwapHash: "hash-rpc-1"})
	if resp.Error != nil {
		t.Fatalf("factory_getHTLC error = %v", resp.Error)
	}

	var got HTLCInfoResult
	decodeResult(t, resp, &got)
	if got.Maker != "crosslock1maker" {
		t.Errorf("Maker = %s, want crosslock1maker", got.Maker)
	}
	if got.Hashlock != params.Hashlock {
		t.Errorf("Hashlock = %s, want %s", got.Hashlock, params.Hashlock)
	}

	resp = call(t, s, "factory_listByMaker", FactoryListParams{Maker: "crosslock1maker"})
	if resp.Error != nil {
		t.Fatalf("factory_listByMaker error = %v", resp.Error)
	}

	var list FactoryListResult
	decodeResult(t, resp, &list)
	if list.Count != 1 {
		t.Errorf("Count = %d, want 1", list.Count)
	}
}

func TestRPCEscrowLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	secret := []byte("rpc-lifecycle-secret")
	hashlock := sha256.Sum256(secret)

	resp := call(t, s, "factory_createHTLC", FactoryCreateParams{
		SwapHash: "hash-life-1",
		Maker:    "crosslock1maker",
		Amount:   75000,
		Denom:    "uatom",
		Hashlock: helpers.BytesToHex(hashlock[:]),
		Timelock: time.Now().Add(time.Hour).Unix(),
	})
	if resp.Error != nil {
		t.Fatalf("factory_createHTLC error = %v", resp.Error)
	}

	var created HTLCInfoResult
	decodeResult(t, resp, &created)
	address := created.HTLCAddress

	// Resolver needs funds to lock
	resp = call(t, s, "bank_deposit", BankDepositParams{
		Account: "crosslock1resolver",
		Denom:   "uatom",
		Amount:  75000,
	})
	if resp.Error != nil {
		t.Fatalf("bank_deposit error = %v", resp.Error)
	}

	resp = call(t, s, "escrow_lock", EscrowLockParams{
		Sender:    "crosslock1resolver",
		Address:   address,
		Amount:    75000,
		Denom:     "uatom",
		Paid:      75000,
		PaidDenom: "uatom",
	})
	if resp.Error != nil {
		t.Fatalf("escrow_lock error = %v", resp.Error)
	}

	resp = call(t, s, "escrow_reveal", EscrowRevealParams{
		Address: address,
		Secret:  helpers.BytesToHex(secret),
	})
	if resp.Error != nil {
		t.Fatalf("escrow_reveal error = %v", resp.Error)
	}

	resp = call(t, s, "escrow_info", EscrowInfoParams{Address: address})
	if resp.Error != nil {
		t.Fatalf("escrow_info error = %v", resp.Error)
	}

	var info EscrowInfoResult
	decodeResult(t, resp, &info)
	if info.Status != string(storage.EscrowStatusCompleted) {
		t.Errorf("Status = %s, want completed", info.Status)
	}
	if info.Resolver != "crosslock1resolver" {
		t.Errorf("Resolver = %s, want crosslock1resolver", info.Resolver)
	}

	// Maker received the escrowed funds
	resp = call(t, s, "bank_balance", BankBalanceParams{
		Account: "crosslock1maker",
		Denom:   "uatom",
	})
	var balance BankBalanceResult
	decodeResult(t, resp, &balance)
	if balance.Amount != 75000 {
		t.Errorf("maker balance = %d, want 75000", balance.Amount)
	}
}

func TestRPCOrderCreateAndStatus(t *testing.T) {
	s, _ := newTestServer(t)

	hashlock := sha256.Sum256([]byte("order-secret"))
	resp := call(t, s, "order_create", OrderCreateParams{
		SwapHash:    "hash-order-1",
		Maker:       "crosslock1maker",
		Amount:      100000,
		Denom:       "uatom",
		Hashlock:    helpers.BytesToHex(hashlock[:]),
		Timelock:    time.Now().Add(time.Hour).Unix(),
		TargetChain: "osmo-1",
	})
	if resp.Error != nil {
		t.Fatalf("order_create error = %v", resp.Error)
	}

	var order OrderInfoResult
	decodeResult(t, resp, &order)
	if order.Status != string(storage.OrderStatusPending) {
		t.Errorf("Status = %s, want pending", order.Status)
	}
	if order.HTLCAddress == "" {
		t.Error("expected mirrored HTLC address on order")
	}

	// Admin advances the order
	resp = call(t, s, "order_updateStatus", OrderUpdateStatusParams{
		Sender:   "crosslock1admin",
		SwapHash: "hash-order-1",
		Status:   "created",
	})
	if resp.Error != nil {
		t.Fatalf("order_updateStatus error = %v", resp.Error)
	}

	// Backward transition is rejected
	resp = call(t, s, "order_updateStatus", OrderUpdateStatusParams{
		Sender:   "crosslock1admin",
		SwapHash: "hash-order-1",
		Status:   "pending",
	})
	if resp.Error == nil {
		t.Error("expected error for backward transition")
	}

	resp = call(t, s, "order_get", OrderGetParams{SwapHash: "hash-order-1"})
	decodeResult(t, resp, &order)
	if order.Status != string(storage.OrderStatusCreated) {
		t.Errorf("Status = %s, want created", order.Status)
	}

	resp = call(t, s, "order_listByMaker", OrderListParams{Maker: "crosslock1maker"})
	var list OrderListResult
	decodeResult(t, resp, &list)
	if list.Count != 1 {
		t.Errorf("Count = %d, want 1", list.Count)
	}
}

func TestRPCRouterSetRouteAndList(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "router_setRoute", SetRouteParams{
		Sender:    "crosslock1admin",
		Chain:     "juno-1",
		ChannelID: "channel-4",
	})
	if resp.Error != nil {
		t.Fatalf("router_setRoute error = %v", resp.Error)
	}

	resp = call(t, s, "router_listRoutes", nil)
	if resp.Error != nil {
		t.Fatalf("router_listRoutes error = %v", resp.Error)
	}

	var list RoutesListResult
	decodeResult(t, resp, &list)
	if list.Count != 2 {
		t.Errorf("Count = %d, want 2", list.Count)
	}

	// Non-admin is rejected
	resp = call(t, s, "router_setRoute", SetRouteParams{
		Sender:    "crosslock1stranger",
		Chain:     "juno-1",
		ChannelID: "channel-5",
	})
	if resp.Error == nil {
		t.Error("expected error for non-admin sender")
	}
}

func TestRPCNodeMethodsUnavailableWithoutNode(t *testing.T) {
	s, _ := newTestServer(t)

	resp := call(t, s, "node_info", nil)
	if resp.Error == nil {
		t.Error("expected error when node is not attached")
	}
}

func TestWebSocketHubPublishEvents(t *testing.T) {
	hub := NewWSHub()

	if hub.ClientCount() != 0 {
		t.Errorf("initial ClientCount = %d, want 0", hub.ClientCount())
	}

	go hub.Run()

	// No clients connected, publishing must not block
	hub.PublishEvents([]runtime.Event{
		runtime.NewEvent("lock_funds", "escrow_address", "crosslock1abc"),
	})
}
