package merchant

import (
	"context"
	"testing"

	"ShadowStream/internal/contracts"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/web3"
	"ShadowStream/internal/web3/simulated"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	adminAddr  = "0x00000000000000000000000000000000000000a1"
	payoutAddr = "0x00000000000000000000000000000000000000c3"
)

func newService(t *testing.T) (*Service, *simulated.Client) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chain, err := simulated.New(key, web3.ChainDefinition{})
	if err != nil {
		t.Fatalf("simulated chain: %v", err)
	}
	svc, err := NewService(NewMemoryStore(), chain)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, chain
}

func validRequest() RegisterRequest {
	return RegisterRequest{
		AdminAddress:  adminAddr,
		PayoutAddress: payoutAddr,
		APIName:       "weather",
		BaseURL:       "https://api.example.com/",
		PricePerCall:  "0.25",
		ChainID:       web3.DefaultChainID,
		TokenAddress:  web3.DefaultUSDCAddress,
	}
}

func TestRegisterReusesMerchantID(t *testing.T) {
	ctx := context.Background()
	svc, chain := newService(t)

	first, err := svc.Register(ctx, validRequest())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.Reused || first.TxHash == "" || first.MerchantID != 1 {
		t.Fatalf("unexpected first registration %+v", first)
	}
	if first.API.BaseURL != "https://api.example.com" {
		t.Fatalf("base url should drop trailing slash, got %s", first.API.BaseURL)
	}

	req := validRequest()
	req.APIName = "forecast"
	second, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if !second.Reused || second.MerchantID != first.MerchantID || second.TxHash != "" {
		t.Fatalf("expected reuse of merchant id, got %+v", second)
	}

	record, err := chain.Merchant(ctx, first.MerchantID)
	if err != nil {
		t.Fatalf("merchant: %v", err)
	}
	if record.Admin != common.HexToAddress(adminAddr) || !record.Active {
		t.Fatalf("unexpected registry entry %+v", record)
	}

	apis, err := svc.ListByAdmin(ctx, "0x00000000000000000000000000000000000000A1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apis) != 2 || apis[0].APIName != "forecast" {
		t.Fatalf("expected newest first, got %+v", apis)
	}
	got, err := svc.API(ctx, first.API.ID)
	if err != nil || got.APIName != "weather" {
		t.Fatalf("lookup: %+v %v", got, err)
	}
	if _, err := svc.API(ctx, "missing"); !xerrors.HasCode(err, CodeAPINotFound) {
		t.Fatalf("expected api not found, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newService(t)
	cases := map[string]func(*RegisterRequest){
		"missing name": func(r *RegisterRequest) { r.APIName = "" },
		"bad admin":    func(r *RegisterRequest) { r.AdminAddress = "nope" },
		"zero payout":  func(r *RegisterRequest) { r.PayoutAddress = common.Address{}.Hex() },
		"relative url": func(r *RegisterRequest) { r.BaseURL = "/v1" },
		"zero price":   func(r *RegisterRequest) { r.PricePerCall = "0" },
		"too precise":  func(r *RegisterRequest) { r.PricePerCall = "0.0000001" },
		"not a number": func(r *RegisterRequest) { r.PricePerCall = "cheap" },
		"bad token":    func(r *RegisterRequest) { r.TokenAddress = "0x12" },
	}
	for name, mutate := range cases {
		req := validRequest()
		mutate(&req)
		if _, err := svc.Register(context.Background(), req); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
	}

	req := validRequest()
	req.ChainID = 1
	_, err := svc.Register(context.Background(), req)
	if !xerrors.HasCode(err, CodeUnsupportedChain) || xerrors.HTTPStatusOf(err) != 400 {
		t.Fatalf("expected unsupported chain, got %v", err)
	}
}

func TestAdminOperations(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	if _, err := svc.SetActive(ctx, adminAddr, false); !xerrors.HasCode(err, CodeNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
	if _, err := svc.ListByAdmin(ctx, ""); err != ErrMissingAdmin {
		t.Fatalf("expected missing admin, got %v", err)
	}
	if _, err := svc.Register(ctx, validRequest()); err != nil {
		t.Fatalf("register: %v", err)
	}

	newPayout := "0x00000000000000000000000000000000000000d4"
	if _, err := svc.UpdatePayout(ctx, adminAddr, newPayout); err != nil {
		t.Fatalf("update payout: %v", err)
	}
	if _, err := svc.SetActive(ctx, adminAddr, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	status, err := svc.Status(ctx, adminAddr)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Active || status.PayoutAddress != common.HexToAddress(newPayout).Hex() {
		t.Fatalf("unexpected status %+v", status)
	}

	if _, err := svc.UpdatePayout(ctx, adminAddr, common.Address{}.Hex()); !xerrors.HasCode(err, contracts.CodeInvalidAddress) {
		t.Fatalf("zero payout should revert, got %v", err)
	}
}
