package shadowstream

import (
	"encoding/json"
	"time"
)

// Headers attached by the gateway to every paid merchant request. Merchants
// should only serve the call once the transaction in HeaderPaid is final and
// the proof in HeaderProof recovers to the vault's trusted executor.
const (
	HeaderPaid   = "x-shadowstream-paid"
	HeaderProof  = "x-shadowstream-proof"
	HeaderVault  = "x-shadowstream-vault"
	HeaderAmount = "x-shadowstream-amount"
)

// Health is the gateway liveness report.
type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Chain     struct {
		Name        string `json:"name"`
		ChainID     string `json:"chainId"`
		BlockNumber string `json:"blockNumber"`
	} `json:"chain"`
}

// CreateVaultRequest describes a new PolicyVault. Amounts are decimal token
// units, e.g. "2.5" for 2.5 USDC.
type CreateVaultRequest struct {
	UserAddress  string `json:"userAddress"`
	TokenAddress string `json:"tokenAddress"`
	MaxPerTx     string `json:"maxPerTx"`
	DailyLimit   string `json:"dailyLimit"`
}

// VaultCreation is returned once the factory transaction is mined.
type VaultCreation struct {
	Success      bool   `json:"success"`
	VaultAddress string `json:"vaultAddress"`
	TxHash       string `json:"txHash"`
}

// Vault is the live on-chain view of a PolicyVault.
type Vault struct {
	Address         string `json:"address"`
	Owner           string `json:"owner"`
	TokenAddress    string `json:"tokenAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	Decimals        uint8  `json:"decimals"`
	TrustedExecutor string `json:"trustedExecutor"`
	MaxPerTx        string `json:"maxPerTx"`
	DailyLimit      string `json:"dailyLimit"`
	SpentToday      string `json:"spentToday"`
	RemainingToday  string `json:"remainingToday"`
	Balance         string `json:"balance"`
	LastReset       int64  `json:"lastReset"`
}

// Rules replaces both vault limits.
type Rules struct {
	MaxPerTx   string `json:"maxPerTx"`
	DailyLimit string `json:"dailyLimit"`
}

// TxResult is the outcome of an owner or admin transaction.
type TxResult struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Activity is one payment attempt from a vault.
type Activity struct {
	ID            string    `json:"id"`
	VaultAddress  string    `json:"vaultAddress"`
	AgentID       string    `json:"agentId,omitempty"`
	MerchantID    uint64    `json:"merchantId"`
	MerchantAPIID string    `json:"merchantApiId"`
	Amount        string    `json:"amount"`
	TokenAddress  string    `json:"tokenAddress"`
	TxHash        string    `json:"txHash,omitempty"`
	RequestURL    string    `json:"requestUrl,omitempty"`
	Status        string    `json:"status"`
	Error         string    `json:"errorMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RegisterAPIRequest lists a paid API, registering the merchant on-chain
// when the admin has no merchant id yet.
type RegisterAPIRequest struct {
	AdminAddress  string `json:"adminAddress"`
	PayoutAddress string `json:"payoutAddress"`
	APIName       string `json:"apiName"`
	BaseURL       string `json:"baseUrl"`
	PricePerCall  string `json:"pricePerCall"`
	ChainID       uint64 `json:"chainId"`
	TokenAddress  string `json:"tokenAddress,omitempty"`
}

// MerchantAPI is a catalogue entry.
type MerchantAPI struct {
	ID           string    `json:"id"`
	MerchantID   uint64    `json:"merchantId"`
	AdminAddress string    `json:"adminAddress"`
	APIName      string    `json:"apiName"`
	BaseURL      string    `json:"baseUrl"`
	PricePerCall string    `json:"pricePerCall"`
	ChainID      uint64    `json:"chainId"`
	TokenAddress string    `json:"tokenAddress,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Registration is the result of RegisterAPI. Reused reports that an existing
// merchant id was attached and no registry transaction was sent.
type Registration struct {
	Success    bool        `json:"success"`
	API        MerchantAPI `json:"merchantApi"`
	MerchantID uint64      `json:"merchantId"`
	TxHash     string      `json:"txHash,omitempty"`
	Reused     bool        `json:"reused"`
}

// MerchantStatus is the registry record of the caller's merchant.
type MerchantStatus struct {
	MerchantID    uint64 `json:"merchantId"`
	Admin         string `json:"adminAddress"`
	PayoutAddress string `json:"payoutAddress"`
	Active        bool   `json:"active"`
}

// CreateAgentRequest mints an agent credential.
type CreateAgentRequest struct {
	OrgAddress    string   `json:"orgAddress"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	AllowedVaults []string `json:"allowedVaults"`
}

// Agent is an agent credential. Key is masked in listings.
type Agent struct {
	ID            string    `json:"id"`
	OrgAddress    string    `json:"orgAddress"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Key           string    `json:"agentKey,omitempty"`
	AllowedVaults []string  `json:"allowedVaultAddresses"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AgentCreation carries the plaintext key. It is never returned again.
type AgentCreation struct {
	Success  bool   `json:"success"`
	AgentKey string `json:"agentKey"`
	Agent    Agent  `json:"agent"`
}

// PayRequest settles one merchant call from a vault.
type PayRequest struct {
	VaultAddress  string          `json:"vaultAddress"`
	MerchantAPIID string          `json:"merchantApiId"`
	RequestPath   string          `json:"requestPath"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// PayResult is returned once the payment is final. APIResponse holds the raw
// merchant response; a delivery failure is reported inside it while the
// payment itself stands.
type PayResult struct {
	Success       bool            `json:"success"`
	TxHash        string          `json:"txHash"`
	Amount        string          `json:"amount"`
	MerchantAPIID string          `json:"merchantApiId"`
	ActivityID    string          `json:"activityId"`
	APIResponse   json.RawMessage `json:"apiResponse"`
}

// UserAnalytics is the 30-day rollup over a user's vaults.
type UserAnalytics struct {
	TotalSpend30d  string `json:"totalSpend30d"`
	ActiveVaults   int    `json:"activeVaults"`
	AvgSpendPerDay string `json:"avgSpendPerDay"`
	DailySeries    []struct {
		Date  string `json:"date"`
		Spend string `json:"spend"`
	} `json:"dailySeries"`
	TopMerchants []struct {
		ID       uint64 `json:"id"`
		Name     string `json:"name"`
		Category string `json:"category"`
		Spend    string `json:"spend"`
		Calls    int    `json:"calls"`
	} `json:"topMerchants"`
	RecentTransactions []struct {
		ID           string    `json:"id"`
		MerchantName string    `json:"merchantName"`
		AgentName    string    `json:"agentName"`
		VaultAddress string    `json:"vaultAddress"`
		Amount       string    `json:"amount"`
		Status       string    `json:"status"`
		TxHash       string    `json:"txHash,omitempty"`
		CreatedAt    time.Time `json:"createdAt"`
	} `json:"recentTransactions"`
}

// MerchantAnalytics is the 30-day revenue rollup of a merchant.
type MerchantAnalytics struct {
	TotalRevenue30d string `json:"totalRevenue30d"`
	CallsPerDay     []struct {
		Date  string `json:"date"`
		Calls int    `json:"calls"`
	} `json:"callsPerDay"`
	TopOrgs []struct {
		Address string `json:"address"`
		Revenue string `json:"revenue"`
		Calls   int    `json:"calls"`
	} `json:"topOrgs"`
}
