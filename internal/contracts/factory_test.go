package contracts

import (
	stdErrors "errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestFactoryRejectsTokensOutsideAllowList(t *testing.T) {
	usdc := NewToken(usdcAddr, "USDC", 6)
	factory := NewFactory(common.HexToAddress("0xfac7"), usdc)

	other := common.HexToAddress("0x6000000000000000000000000000000000000006")
	_, _, err := factory.CreatePolicyVault(ownerAddr, other, big.NewInt(1), big.NewInt(1), executorAddr, genesis)
	if !stdErrors.Is(err, ErrTokenNotAllowed) {
		t.Fatalf("expected ErrTokenNotAllowed, got %v", err)
	}
	if err.Error() != "[FACTORY_TOKEN_NOT_ALLOWED] Factory: token not allowed" {
		t.Fatalf("unexpected revert text %q", err.Error())
	}
	if len(factory.UserVaults(ownerAddr)) != 0 {
		t.Fatal("rejected creation must not be indexed")
	}
}

func TestFactoryIndexesVaultsPerOwner(t *testing.T) {
	usdc := NewToken(usdcAddr, "USDC", 6)
	factoryAddr := common.HexToAddress("0xfac7")
	factory := NewFactory(factoryAddr, usdc)

	first, ev, err := factory.CreatePolicyVault(ownerAddr, usdcAddr, big.NewInt(10), big.NewInt(100), executorAddr, genesis)
	if err != nil {
		t.Fatalf("create first vault: %v", err)
	}
	if first.Address() != crypto.CreateAddress(factoryAddr, 1) {
		t.Fatalf("vault address not derived from factory nonce: %s", first.Address().Hex())
	}
	if ev.Owner != ownerAddr || ev.Vault != first.Address() || ev.MaxPerTx.Int64() != 10 || ev.DailyLimit.Int64() != 100 {
		t.Fatalf("unexpected creation event %+v", ev)
	}

	second, _, err := factory.CreatePolicyVault(ownerAddr, usdcAddr, big.NewInt(1), big.NewInt(2), executorAddr, genesis)
	if err != nil {
		t.Fatalf("create second vault: %v", err)
	}
	if _, _, err := factory.CreatePolicyVault(strangerAddr, usdcAddr, big.NewInt(1), big.NewInt(2), executorAddr, genesis); err != nil {
		t.Fatalf("create stranger vault: %v", err)
	}

	list := factory.UserVaults(ownerAddr)
	if len(list) != 2 || list[0] != first.Address() || list[1] != second.Address() {
		t.Fatalf("unexpected owner index %v", list)
	}
	list[0] = common.Address{}
	if factory.UserVaults(ownerAddr)[0] != first.Address() {
		t.Fatal("UserVaults must return a copy")
	}

	snap := first.Snapshot()
	if snap.Owner != ownerAddr || snap.TrustedExecutor != executorAddr || !snap.LastReset.Equal(genesis) {
		t.Fatalf("unexpected initial storage %+v", snap)
	}
}
