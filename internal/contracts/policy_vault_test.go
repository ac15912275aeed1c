package contracts

import (
	stdErrors "errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ownerAddr    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	executorAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")
	merchantAddr = common.HexToAddress("0x3000000000000000000000000000000000000003")
	strangerAddr = common.HexToAddress("0x4000000000000000000000000000000000000004")
	usdcAddr     = common.HexToAddress("0x3c499c542cef5e3811e1192ce70d8cc03d5c3359")
	vaultAddr    = common.HexToAddress("0x5000000000000000000000000000000000000005")
)

var genesis = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newFundedVault(t *testing.T, maxPerTx, dailyLimit, balance int64) (*PolicyVault, *Token) {
	t.Helper()
	token := NewToken(usdcAddr, "USDC", 6)
	vault := NewPolicyVault(vaultAddr, ownerAddr, token, executorAddr, Policy{
		MaxPerTx:   big.NewInt(maxPerTx),
		DailyLimit: big.NewInt(dailyLimit),
	}, genesis)
	if err := token.Mint(ownerAddr, big.NewInt(balance)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := token.Approve(ownerAddr, vaultAddr, big.NewInt(balance)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := vault.Deposit(ownerAddr, big.NewInt(balance)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return vault, token
}

func TestExecutePaymentWithinLimits(t *testing.T) {
	vault, token := newFundedVault(t, 10, 100, 100)

	ev, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(5), genesis.Add(time.Minute))
	if err != nil {
		t.Fatalf("execute payment: %v", err)
	}
	if ev.Merchant != merchantAddr || ev.Amount.Int64() != 5 {
		t.Fatalf("unexpected event %+v", ev)
	}
	snap := vault.Snapshot()
	if snap.SpentToday.Int64() != 5 {
		t.Fatalf("expected spentToday 5, got %s", snap.SpentToday)
	}
	if snap.Balance.Int64() != 95 {
		t.Fatalf("expected vault balance 95, got %s", snap.Balance)
	}
	if got := token.BalanceOf(merchantAddr).Int64(); got != 5 {
		t.Fatalf("expected merchant balance 5, got %d", got)
	}
}

func TestCeilingsAreInclusive(t *testing.T) {
	vault, _ := newFundedVault(t, 10, 20, 100)
	now := genesis.Add(time.Hour)

	if _, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(10), now); err != nil {
		t.Fatalf("payment equal to maxPerTx: %v", err)
	}
	if _, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(10), now); err != nil {
		t.Fatalf("payment filling daily budget: %v", err)
	}
	if got := vault.Snapshot().SpentToday.Int64(); got != 20 {
		t.Fatalf("expected spentToday 20, got %d", got)
	}
}

func TestExceedingMaxPerTxLeavesStateUnchanged(t *testing.T) {
	vault, _ := newFundedVault(t, 10, 100, 100)
	before := vault.Snapshot()

	_, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(11), genesis.Add(48*time.Hour))
	if !stdErrors.Is(err, ErrExceedsMaxPerTx) {
		t.Fatalf("expected ErrExceedsMaxPerTx, got %v", err)
	}
	assertSnapshotEqual(t, before, vault.Snapshot())
}

func TestExceedingDailyLimitLeavesStateUnchanged(t *testing.T) {
	vault, _ := newFundedVault(t, 10, 25, 100)
	now := genesis.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if _, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(10), now); err != nil {
			t.Fatalf("payment %d: %v", i, err)
		}
	}
	before := vault.Snapshot()

	_, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(10), now)
	if !stdErrors.Is(err, ErrExceedsDailyLimit) {
		t.Fatalf("expected ErrExceedsDailyLimit, got %v", err)
	}
	assertSnapshotEqual(t, before, vault.Snapshot())
}

func TestPerTxCheckedBeforeDailyLimit(t *testing.T) {
	vault, _ := newFundedVault(t, 10, 5, 100)
	_, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(11), genesis)
	if !stdErrors.Is(err, ErrExceedsMaxPerTx) {
		t.Fatalf("expected per-tx failure first, got %v", err)
	}
}

func TestWindowRolloverAfterTwentyFourHours(t *testing.T) {
	vault, _ := newFundedVault(t, 10, 100, 200)
	now := genesis.Add(time.Minute)
	for i := 0; i < 10; i++ {
		if _, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(10), now); err != nil {
			t.Fatalf("payment %d: %v", i, err)
		}
	}
	if _, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(10), now); !stdErrors.Is(err, ErrExceedsDailyLimit) {
		t.Fatalf("expected daily limit to be exhausted, got %v", err)
	}

	later := genesis.Add(24*time.Hour + time.Second)
	if _, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(10), later); err != nil {
		t.Fatalf("payment after rollover: %v", err)
	}
	snap := vault.Snapshot()
	if snap.SpentToday.Int64() != 10 {
		t.Fatalf("expected fresh window with 10 spent, got %s", snap.SpentToday)
	}
	if !snap.LastReset.Equal(later) {
		t.Fatalf("expected lastReset %s, got %s", later, snap.LastReset)
	}
}

func TestRolloverAtExactBoundary(t *testing.T) {
	w := Window{SpentToday: big.NewInt(90), LastReset: genesis}

	same := w.Rollover(genesis.Add(WindowPeriod - time.Nanosecond))
	if same.SpentToday.Int64() != 90 || !same.LastReset.Equal(genesis) {
		t.Fatalf("window rolled too early: %+v", same)
	}
	fresh := w.Rollover(genesis.Add(WindowPeriod))
	if fresh.SpentToday.Sign() != 0 || !fresh.LastReset.Equal(genesis.Add(WindowPeriod)) {
		t.Fatalf("window did not roll at boundary: %+v", fresh)
	}
	skipped := w.Rollover(genesis.Add(5*WindowPeriod + time.Hour))
	if !skipped.LastReset.Equal(genesis.Add(5*WindowPeriod + time.Hour)) {
		t.Fatalf("expected reset to jump to now, got %s", skipped.LastReset)
	}
	if w.SpentToday.Int64() != 90 {
		t.Fatal("rollover must not mutate the receiver")
	}
}

func TestOnlyExecutorMayPay(t *testing.T) {
	vault, _ := newFundedVault(t, 10, 100, 100)
	for _, caller := range []common.Address{ownerAddr, strangerAddr} {
		if _, err := vault.ExecutePayment(caller, merchantAddr, big.NewInt(1), genesis); !stdErrors.Is(err, ErrNotExecutor) {
			t.Fatalf("caller %s: expected ErrNotExecutor, got %v", caller.Hex(), err)
		}
	}
}

func TestOwnerOnlyOperations(t *testing.T) {
	vault, _ := newFundedVault(t, 10, 100, 100)
	before := vault.Snapshot()

	if _, err := vault.SetRules(strangerAddr, big.NewInt(1), big.NewInt(1)); !stdErrors.Is(err, ErrNotOwner) {
		t.Fatalf("setRules by stranger: %v", err)
	}
	if _, err := vault.SetTrustedExecutor(executorAddr, strangerAddr); !stdErrors.Is(err, ErrNotOwner) {
		t.Fatalf("setTrustedExecutor by executor: %v", err)
	}
	if _, err := vault.Withdraw(executorAddr, big.NewInt(1)); !stdErrors.Is(err, ErrNotOwner) {
		t.Fatalf("withdraw by executor: %v", err)
	}
	assertSnapshotEqual(t, before, vault.Snapshot())

	if _, err := vault.SetRules(ownerAddr, big.NewInt(50), big.NewInt(500)); err != nil {
		t.Fatalf("setRules by owner: %v", err)
	}
	if _, err := vault.SetTrustedExecutor(ownerAddr, strangerAddr); err != nil {
		t.Fatalf("setTrustedExecutor by owner: %v", err)
	}
	snap := vault.Snapshot()
	if snap.MaxPerTx.Int64() != 50 || snap.DailyLimit.Int64() != 500 || snap.TrustedExecutor != strangerAddr {
		t.Fatalf("unexpected rules after update: %+v", snap)
	}
	if _, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(1), genesis); !stdErrors.Is(err, ErrNotExecutor) {
		t.Fatalf("old executor should be rejected, got %v", err)
	}
}

func TestSetRulesKeepsSpentToday(t *testing.T) {
	vault, _ := newFundedVault(t, 10, 100, 100)
	if _, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(7), genesis); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if _, err := vault.SetRules(ownerAddr, big.NewInt(20), big.NewInt(8)); err != nil {
		t.Fatalf("setRules: %v", err)
	}
	if got := vault.Snapshot().SpentToday.Int64(); got != 7 {
		t.Fatalf("expected spentToday 7, got %d", got)
	}
	if _, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(2), genesis); !stdErrors.Is(err, ErrExceedsDailyLimit) {
		t.Fatalf("expected tightened daily limit to apply, got %v", err)
	}
}

func TestWithdrawBounds(t *testing.T) {
	vault, token := newFundedVault(t, 10, 100, 100)
	if _, err := vault.Withdraw(ownerAddr, big.NewInt(101)); !stdErrors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	ev, err := vault.Withdraw(ownerAddr, big.NewInt(40))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if ev.To != ownerAddr || ev.Amount.Int64() != 40 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if got := token.BalanceOf(ownerAddr).Int64(); got != 40 {
		t.Fatalf("expected owner balance 40, got %d", got)
	}
}

func TestPaymentBeyondBalanceFails(t *testing.T) {
	vault, _ := newFundedVault(t, 10, 100, 3)
	before := vault.Snapshot()
	if _, err := vault.ExecutePayment(executorAddr, merchantAddr, big.NewInt(5), genesis); !stdErrors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	assertSnapshotEqual(t, before, vault.Snapshot())
}

func TestDepositRequiresAllowance(t *testing.T) {
	token := NewToken(usdcAddr, "USDC", 6)
	vault := NewPolicyVault(vaultAddr, ownerAddr, token, executorAddr, Policy{MaxPerTx: big.NewInt(1), DailyLimit: big.NewInt(1)}, genesis)
	if err := token.Mint(strangerAddr, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := vault.Deposit(strangerAddr, big.NewInt(10)); !stdErrors.Is(err, ErrAllowanceExceeded) {
		t.Fatalf("expected allowance failure, got %v", err)
	}
	if err := token.Approve(strangerAddr, vaultAddr, big.NewInt(10)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := vault.Deposit(strangerAddr, big.NewInt(10)); err != nil {
		t.Fatalf("deposit by non-owner: %v", err)
	}
	if got := vault.Snapshot().Balance.Int64(); got != 10 {
		t.Fatalf("expected balance 10, got %d", got)
	}
}

func assertSnapshotEqual(t *testing.T, want, got VaultSnapshot) {
	t.Helper()
	if want.Owner != got.Owner || want.TrustedExecutor != got.TrustedExecutor ||
		want.MaxPerTx.Cmp(got.MaxPerTx) != 0 || want.DailyLimit.Cmp(got.DailyLimit) != 0 ||
		want.SpentToday.Cmp(got.SpentToday) != 0 || !want.LastReset.Equal(got.LastReset) ||
		want.Balance.Cmp(got.Balance) != 0 {
		t.Fatalf("vault state changed:\nwant %+v\ngot  %+v", want, got)
	}
}
