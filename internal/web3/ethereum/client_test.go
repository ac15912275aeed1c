package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"ShadowStream/internal/contracts"
	xerrors "ShadowStream/internal/errors"
	"ShadowStream/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	factoryAddr  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	registryAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	vaultAddr    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	tokenAddr    = common.HexToAddress(web3.DefaultUSDCAddress)
	merchantAddr = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// revertErr mimics the JSON-RPC error returned for a reverted eth_call.
type revertErr struct{ data string }

func (e revertErr) Error() string { return "execution reverted" }
func (e revertErr) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("string type: %v", err)
	}
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert: %v", err)
	}
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return "0x" + common.Bytes2Hex(append(selector, packed...))
}

type fakeBackend struct {
	mu          sync.Mutex
	chainID     *big.Int
	sent        []*coretypes.Transaction
	receipts    map[common.Hash]*coretypes.Receipt
	holdReceipt bool
	estimateErr error
	logsFor     func(tx *coretypes.Transaction) []*coretypes.Log
	callFn      func(msg gethcore.CallMsg) ([]byte, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: big.NewInt(137), receipts: map[common.Hash]*coretypes.Receipt{}}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 42, nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(42), BaseFee: big.NewInt(30_000_000_000), Time: 1_770_000_000}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callFn == nil {
		return nil, nil
	}
	return f.callFn(msg)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	receipt := &coretypes.Receipt{
		Status:      coretypes.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(43),
	}
	if f.logsFor != nil {
		receipt.Logs = f.logsFor(tx)
	}
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdReceipt {
		return nil, gethcore.NotFound
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return r, nil
}

func newTestClient(t *testing.T, backend *fakeBackend, signers ...*ecdsa.PrivateKey) (*Client, *ecdsa.PrivateKey) {
	t.Helper()
	executor, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := Config{
		Name:            "polygon",
		ChainID:         137,
		FactoryAddress:  factoryAddr,
		RegistryAddress: registryAddr,
		ExecutorKey:     executor,
		PollInterval:    5 * time.Millisecond,
	}
	cfg.SignerKeys = append(cfg.SignerKeys, signers...)
	client, err := NewWithBackend(backend, cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return client, executor
}

func TestSubmitPaymentSignsWithExecutor(t *testing.T) {
	backend := newFakeBackend()
	client, executor := newTestClient(t, backend)

	hash, err := client.SubmitPayment(context.Background(), vaultAddr, merchantAddr, big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("submit payment: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != hash || tx.Type() != coretypes.DynamicFeeTxType {
		t.Fatalf("unexpected transaction %s type %d", tx.Hash().Hex(), tx.Type())
	}
	if *tx.To() != vaultAddr || tx.ChainId().Uint64() != 137 || tx.Gas() != 120_000 {
		t.Fatalf("unexpected tx fields to=%s chain=%s gas=%d", tx.To().Hex(), tx.ChainId(), tx.Gas())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(62_000_000_000)) != 0 {
		t.Fatalf("unexpected fee cap %s", tx.GasFeeCap())
	}
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil || sender != crypto.PubkeyToAddress(executor.PublicKey) {
		t.Fatalf("unexpected sender %s: %v", sender.Hex(), err)
	}

	method, err := vaultABI.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "executePayment" {
		t.Fatalf("unexpected method %v: %v", method, err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack args: %v", err)
	}
	if args[0].(common.Address) != merchantAddr || args[1].(*big.Int).Int64() != 5_000_000 {
		t.Fatalf("unexpected args %v", args)
	}

	receipt, err := client.WaitReceipt(context.Background(), hash)
	if err != nil || receipt.Reverted || receipt.BlockNumber != 43 {
		t.Fatalf("unexpected receipt %+v %v", receipt, err)
	}
}

func TestUnknownSignerIsRejected(t *testing.T) {
	backend := newFakeBackend()
	client, _ := newTestClient(t, backend)

	_, err := client.CreatePolicyVault(context.Background(), merchantAddr, web3.VaultParams{
		Token:           tokenAddr,
		MaxPerTx:        big.NewInt(1),
		DailyLimit:      big.NewInt(2),
		TrustedExecutor: client.ExecutorAddress(),
	})
	if !xerrors.HasCode(err, web3.CodeSignerUnavailable) {
		t.Fatalf("expected signer unavailable, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatal("nothing should be broadcast without a key")
	}
}

func TestCreatePolicyVaultDecodesEvent(t *testing.T) {
	backend := newFakeBackend()
	ownerKey, _ := crypto.GenerateKey()
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)

	event := factoryABI.Events["PolicyVaultCreated"]
	backend.logsFor = func(tx *coretypes.Transaction) []*coretypes.Log {
		data, err := event.Inputs.NonIndexed().Pack(vaultAddr, tokenAddr, big.NewInt(10), big.NewInt(100))
		if err != nil {
			t.Errorf("pack event: %v", err)
			return nil
		}
		return []*coretypes.Log{{
			Address: factoryAddr,
			Topics:  []common.Hash{event.ID, common.BytesToHash(owner.Bytes())},
			Data:    data,
			TxHash:  tx.Hash(),
		}}
	}
	client, _ := newTestClient(t, backend, ownerKey)

	created, err := client.CreatePolicyVault(context.Background(), owner, web3.VaultParams{
		Token:           tokenAddr,
		MaxPerTx:        big.NewInt(10),
		DailyLimit:      big.NewInt(100),
		TrustedExecutor: client.ExecutorAddress(),
	})
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if created.Vault != vaultAddr || created.Owner != owner {
		t.Fatalf("unexpected creation %+v", created)
	}
	sender, _ := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(137)), backend.sent[0])
	if sender != owner {
		t.Fatalf("vault creation must be signed by the owner, got %s", sender.Hex())
	}
}

func TestVaultStateReadsStorage(t *testing.T) {
	backend := newFakeBackend()
	owner := common.HexToAddress("0x5555555555555555555555555555555555555555")
	executor := common.HexToAddress("0x6666666666666666666666666666666666666666")
	backend.callFn = func(msg gethcore.CallMsg) ([]byte, error) {
		method, err := vaultABI.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
		switch method.Name {
		case "owner":
			return method.Outputs.Pack(owner)
		case "token":
			return method.Outputs.Pack(tokenAddr)
		case "trustedExecutor":
			return method.Outputs.Pack(executor)
		case "maxPerTx":
			return method.Outputs.Pack(big.NewInt(10_000_000))
		case "dailyLimit":
			return method.Outputs.Pack(big.NewInt(100_000_000))
		case "spentToday":
			return method.Outputs.Pack(big.NewInt(3_000_000))
		case "lastReset":
			return method.Outputs.Pack(big.NewInt(1_770_000_000))
		}
		return nil, errors.New("unexpected method " + method.Name)
	}
	client, _ := newTestClient(t, backend)

	state, err := client.VaultState(context.Background(), vaultAddr)
	if err != nil {
		t.Fatalf("vault state: %v", err)
	}
	if state.Owner != owner || state.Token != tokenAddr || state.TrustedExecutor != executor {
		t.Fatalf("unexpected addresses %+v", state)
	}
	if state.MaxPerTx.Int64() != 10_000_000 || state.DailyLimit.Int64() != 100_000_000 || state.SpentToday.Int64() != 3_000_000 {
		t.Fatalf("unexpected limits %+v", state)
	}
	if state.LastReset.Unix() != 1_770_000_000 {
		t.Fatalf("unexpected last reset %s", state.LastReset)
	}
}

func TestRevertReasonMapsToContractError(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = revertErr{data: encodeRevert(t, "PolicyVault: exceeds daily limit")}
	client, _ := newTestClient(t, backend)

	_, err := client.SubmitPayment(context.Background(), vaultAddr, merchantAddr, big.NewInt(1))
	if !errors.Is(err, contracts.ErrExceedsDailyLimit) {
		t.Fatalf("expected daily limit error, got %v", err)
	}

	backend.estimateErr = revertErr{data: encodeRevert(t, "custom failure")}
	_, err = client.SubmitPayment(context.Background(), vaultAddr, merchantAddr, big.NewInt(1))
	if !xerrors.HasCode(err, web3.CodeTransactionReverted) {
		t.Fatalf("expected generic revert, got %v", err)
	}
}

func TestReceiptLookups(t *testing.T) {
	backend := newFakeBackend()
	client, _ := newTestClient(t, backend)

	if _, err := client.TransactionReceipt(context.Background(), common.HexToHash("0xabc")); !xerrors.HasCode(err, web3.CodeReceiptNotFound) {
		t.Fatalf("expected receipt not found, got %v", err)
	}

	backend.holdReceipt = true
	hash, err := client.SubmitPayment(context.Background(), vaultAddr, merchantAddr, big.NewInt(1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := client.WaitReceipt(ctx, hash); !xerrors.HasCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestMerchantRegistrationReadsIndexedID(t *testing.T) {
	backend := newFakeBackend()
	adminKey, _ := crypto.GenerateKey()
	admin := crypto.PubkeyToAddress(adminKey.PublicKey)
	event := registryABI.Events["MerchantRegistered"]
	backend.logsFor = func(tx *coretypes.Transaction) []*coretypes.Log {
		data, _ := event.Inputs.NonIndexed().Pack(merchantAddr)
		return []*coretypes.Log{{
			Address: registryAddr,
			Topics:  []common.Hash{event.ID, common.BigToHash(big.NewInt(7)), common.BytesToHash(admin.Bytes())},
			Data:    data,
		}}
	}
	client, _ := newTestClient(t, backend, adminKey)

	reg, err := client.RegisterMerchant(context.Background(), admin, merchantAddr)
	if err != nil || reg.MerchantID != 7 {
		t.Fatalf("unexpected registration %+v %v", reg, err)
	}
}
