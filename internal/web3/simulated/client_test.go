package simulated

import (
	"context"
	"math/big"
	"testing"
	"time"

	"ShadowStream/internal/contracts"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	payee    = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func usdc(v int64) *big.Int { return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000)) }

func newChain(t *testing.T) (*Client, *time.Time) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	def := web3.ChainDefinition{
		Genesis: []web3.GenesisBalance{{Account: owner.Hex(), Token: "USDC", Amount: "1000"}},
	}
	client, err := New(key, def, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new simulated chain: %v", err)
	}
	return client, &now
}

func createVault(t *testing.T, c *Client) common.Address {
	t.Helper()
	created, err := c.CreatePolicyVault(context.Background(), owner, web3.VaultParams{
		Token:           common.HexToAddress(web3.DefaultUSDCAddress),
		MaxPerTx:        usdc(10),
		DailyLimit:      usdc(100),
		TrustedExecutor: c.ExecutorAddress(),
	})
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if created.Owner != owner {
		t.Fatalf("unexpected owner %s", created.Owner.Hex())
	}
	return created.Vault
}

func TestVaultLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t)
	vault := createVault(t, c)

	vaults, _ := c.UserVaults(ctx, owner)
	if len(vaults) != 1 || vaults[0] != vault {
		t.Fatalf("unexpected vault list %v", vaults)
	}
	if _, err := c.Deposit(ctx, owner, vault, usdc(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	hash, err := c.SubmitPayment(ctx, vault, payee, usdc(5))
	if err != nil {
		t.Fatalf("submit payment: %v", err)
	}
	receipt, err := c.WaitReceipt(ctx, hash)
	if err != nil || receipt.Reverted {
		t.Fatalf("expected successful receipt, got %+v %v", receipt, err)
	}
	events := c.Events(hash)
	if len(events) != 1 || events[0].EventName() != "PaymentExecuted" {
		t.Fatalf("unexpected events %+v", events)
	}

	token := common.HexToAddress(web3.DefaultUSDCAddress)
	if bal, _ := c.TokenBalance(ctx, token, payee); bal.Cmp(usdc(5)) != 0 {
		t.Fatalf("payee balance = %s", bal)
	}
	if bal, _ := c.TokenBalance(ctx, token, vault); bal.Cmp(usdc(45)) != 0 {
		t.Fatalf("vault balance = %s", bal)
	}
	state, _ := c.VaultState(ctx, vault)
	if state.SpentToday.Cmp(usdc(5)) != 0 {
		t.Fatalf("spentToday = %s", state.SpentToday)
	}
}

func TestRevertedPaymentYieldsFailedReceipt(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t)
	vault := createVault(t, c)
	if _, err := c.Deposit(ctx, owner, vault, usdc(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	hash, err := c.SubmitPayment(ctx, vault, payee, usdc(11))
	if err != nil {
		t.Fatalf("submit should still return a hash: %v", err)
	}
	receipt, err := c.TransactionReceipt(ctx, hash)
	if err != nil {
		t.Fatalf("receipt lookup: %v", err)
	}
	if !receipt.Reverted || receipt.RevertReason != "PolicyVault: exceeds max per tx" {
		t.Fatalf("expected revert, got %+v", receipt)
	}
	state, _ := c.VaultState(ctx, vault)
	if state.SpentToday.Sign() != 0 {
		t.Fatalf("reverted payment must not change state, spent %s", state.SpentToday)
	}
}

func TestOwnerOperationsEnforceCaller(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t)
	vault := createVault(t, c)

	if _, err := c.SetRules(ctx, stranger, vault, usdc(1), usdc(2)); !xerrors.HasCode(err, contracts.CodeNotOwner) {
		t.Fatalf("expected not-owner error, got %v", err)
	}
	if _, err := c.SetRules(ctx, owner, vault, usdc(20), usdc(200)); err != nil {
		t.Fatalf("set rules: %v", err)
	}
	if _, err := c.SetTrustedExecutor(ctx, owner, vault, stranger); err != nil {
		t.Fatalf("set executor: %v", err)
	}
	state, _ := c.VaultState(ctx, vault)
	if state.MaxPerTx.Cmp(usdc(20)) != 0 || state.TrustedExecutor != stranger {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, err := c.Withdraw(ctx, owner, vault, usdc(1)); !xerrors.HasCode(err, contracts.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestAdjustTimeRollsDailyWindow(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t)
	vault := createVault(t, c)
	if _, err := c.Deposit(ctx, owner, vault, usdc(200)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	for i := 0; i < 10; i++ {
		hash, _ := c.SubmitPayment(ctx, vault, payee, usdc(10))
		if r, _ := c.TransactionReceipt(ctx, hash); r.Reverted {
			t.Fatalf("payment %d reverted: %s", i, r.RevertReason)
		}
	}
	hash, _ := c.SubmitPayment(ctx, vault, payee, usdc(1))
	if r, _ := c.TransactionReceipt(ctx, hash); !r.Reverted {
		t.Fatal("expected daily limit revert")
	}

	c.AdjustTime(24 * time.Hour)
	hash, _ = c.SubmitPayment(ctx, vault, payee, usdc(10))
	if r, _ := c.TransactionReceipt(ctx, hash); r.Reverted {
		t.Fatalf("expected rollover, got revert %s", r.RevertReason)
	}
}

func TestMerchantRegistry(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t)

	reg, err := c.RegisterMerchant(ctx, stranger, payee)
	if err != nil || reg.MerchantID != 1 {
		t.Fatalf("register: %+v %v", reg, err)
	}
	if _, err := c.RegisterMerchant(ctx, stranger, payee); !xerrors.HasCode(err, contracts.CodeAlreadyRegistered) {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
	if id, _ := c.MerchantIDByAdmin(ctx, stranger); id != 1 {
		t.Fatalf("merchant id by admin = %d", id)
	}
	if _, err := c.SetMerchantActive(ctx, stranger, 1, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	record, _ := c.Merchant(ctx, 1)
	if record.ID != 1 || record.Active || record.PayoutAddress != payee {
		t.Fatalf("unexpected record %+v", record)
	}
	if unknown, _ := c.Merchant(ctx, 9); unknown.ID != 0 {
		t.Fatalf("unknown merchant should have id 0, got %+v", unknown)
	}
}

func TestUnknownReceipt(t *testing.T) {
	c, _ := newChain(t)
	if _, err := c.TransactionReceipt(context.Background(), common.HexToHash("0x01")); !xerrors.HasCode(err, web3.CodeReceiptNotFound) {
		t.Fatalf("expected receipt not found, got %v", err)
	}
}
