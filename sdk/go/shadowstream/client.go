package shadowstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Pay-and-call waits for on-chain confirmation and the
// merchant response, so it is longer than a plain REST timeout.
const DefaultHTTPTimeout = 3 * time.Minute

const (
	headerUser          = "x-user-address"
	headerMerchantAdmin = "x-merchant-admin-address"
	headerOrg           = "x-org-address"
	headerSignature     = "x-shadowstream-signature"
	headerTimestamp     = "x-shadowstream-timestamp"
)

var (
	// ErrNoAgentKey is returned by PayAndCall when no agent key is configured.
	ErrNoAgentKey = errors.New("shadowstream: agent key is not set")
	// ErrNoSigner is returned by calls that act for an address when no
	// Signer is configured.
	ErrNoSigner = errors.New("shadowstream: request signer is not set")
)

// Signer returns the personal_sign (EIP-191) signature of message by the
// address the request acts for, hex encoded with a 0x prefix. Wallet
// integrations can forward message to eth_sign unchanged.
type Signer func(ctx context.Context, message []byte) (string, error)

// RequestMessage builds the text the gateway expects to be signed for a
// request. path is the URL path without query string.
func RequestMessage(method, path string, timestamp int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(fmt.Sprintf("ShadowStream request\n%s %s\ntimestamp: %d\nbody-sha256: %s",
		strings.ToUpper(method), path, timestamp, hex.EncodeToString(sum[:])))
}

// Client wraps the HTTP interactions with the ShadowStream REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu       sync.RWMutex
	agentKey string
	signer   Signer
	now      func() time.Time
}

// APIError represents server side validation or internal errors. Metadata
// carries the structured fields the gateway adds, such as "dailyLimit" or
// "activityId".
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Metadata   map[string]string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("shadowstream api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("shadowstream api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ShadowStream API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, now: time.Now}, nil
}

// AgentKey returns the stored agent key.
func (c *Client) AgentKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentKey
}

// SetAgentKey stores the agent key used by PayAndCall.
func (c *Client) SetAgentKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentKey = key
}

// SetSigner stores the signer used by calls that act for an address:
// vault creation and management, merchant registration and updates, and
// agent issuance. The signer must control the address passed to those calls.
func (c *Client) SetSigner(signer Signer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signer = signer
}

func (c *Client) currentSigner() Signer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signer
}

// Health returns the gateway liveness report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.call(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

// CreateVault deploys a PolicyVault owned by req.UserAddress.
func (c *Client) CreateVault(ctx context.Context, req CreateVaultRequest) (VaultCreation, error) {
	var out VaultCreation
	err := c.signedCall(ctx, http.MethodPost, "/api/user/vaults", nil, req, &out)
	return out, err
}

// ListVaults returns the live state of every vault owned by user.
func (c *Client) ListVaults(ctx context.Context, user string) ([]Vault, error) {
	var out struct {
		Vaults []Vault `json:"vaults"`
	}
	err := c.call(ctx, http.MethodGet, "/api/user/vaults", header(headerUser, user), nil, &out)
	return out.Vaults, err
}

// VaultActivity returns the most recent payment attempts of a vault.
func (c *Client) VaultActivity(ctx context.Context, vault string) ([]Activity, error) {
	var out struct {
		Activities []Activity `json:"activities"`
	}
	err := c.call(ctx, http.MethodGet, vaultPath(vault, "activity"), nil, nil, &out)
	return out.Activities, err
}

// SetRules replaces the vault limits. owner must be the vault owner and
// the configured Signer must sign for it.
func (c *Client) SetRules(ctx context.Context, owner, vault string, rules Rules) (TxResult, error) {
	var out TxResult
	err := c.signedCall(ctx, http.MethodPut, vaultPath(vault, "rules"), header(headerUser, owner), rules, &out)
	return out, err
}

// SetExecutor replaces the vault's trusted executor.
func (c *Client) SetExecutor(ctx context.Context, owner, vault, executor string) (TxResult, error) {
	var out TxResult
	body := map[string]string{"executorAddress": executor}
	err := c.signedCall(ctx, http.MethodPut, vaultPath(vault, "executor"), header(headerUser, owner), body, &out)
	return out, err
}

// Deposit approves and deposits amount from the caller into the vault.
func (c *Client) Deposit(ctx context.Context, from, vault, amount string) (TxResult, error) {
	var out TxResult
	body := map[string]string{"amount": amount}
	err := c.signedCall(ctx, http.MethodPost, vaultPath(vault, "deposit"), header(headerUser, from), body, &out)
	return out, err
}

// Withdraw returns amount from the vault to its owner.
func (c *Client) Withdraw(ctx context.Context, owner, vault, amount string) (TxResult, error) {
	var out TxResult
	body := map[string]string{"amount": amount}
	err := c.signedCall(ctx, http.MethodPost, vaultPath(vault, "withdraw"), header(headerUser, owner), body, &out)
	return out, err
}

// RegisterAPI lists a paid merchant API.
func (c *Client) RegisterAPI(ctx context.Context, req RegisterAPIRequest) (Registration, error) {
	var out Registration
	err := c.signedCall(ctx, http.MethodPost, "/api/merchant/apis", nil, req, &out)
	return out, err
}

// ListAPIs returns the admin's listings, newest first.
func (c *Client) ListAPIs(ctx context.Context, admin string) ([]MerchantAPI, error) {
	var out struct {
		APIs []MerchantAPI `json:"apis"`
	}
	err := c.call(ctx, http.MethodGet, "/api/merchant/apis", header(headerMerchantAdmin, admin), nil, &out)
	return out.APIs, err
}

// MerchantStatus reads the admin's registry record.
func (c *Client) MerchantStatus(ctx context.Context, admin string) (MerchantStatus, error) {
	var out MerchantStatus
	err := c.call(ctx, http.MethodGet, "/api/merchant/status", header(headerMerchantAdmin, admin), nil, &out)
	return out, err
}

// UpdatePayout changes where the merchant is paid.
func (c *Client) UpdatePayout(ctx context.Context, admin, payout string) (TxResult, error) {
	var out TxResult
	body := map[string]string{"payoutAddress": payout}
	err := c.signedCall(ctx, http.MethodPut, "/api/merchant/payout", header(headerMerchantAdmin, admin), body, &out)
	return out, err
}

// SetMerchantActive enables or disables the merchant.
func (c *Client) SetMerchantActive(ctx context.Context, admin string, active bool) (TxResult, error) {
	var out TxResult
	body := map[string]bool{"active": active}
	err := c.signedCall(ctx, http.MethodPut, "/api/merchant/status", header(headerMerchantAdmin, admin), body, &out)
	return out, err
}

// CreateAgent mints an agent credential. The returned key is shown only once.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (AgentCreation, error) {
	var out AgentCreation
	err := c.signedCall(ctx, http.MethodPost, "/api/agents", nil, req, &out)
	return out, err
}

// ListAgents returns the organisation's agents with masked keys.
func (c *Client) ListAgents(ctx context.Context, org string) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	err := c.call(ctx, http.MethodGet, "/api/agents", header(headerOrg, org), nil, &out)
	return out.Agents, err
}

// UserAnalytics returns the 30-day rollup for user.
func (c *Client) UserAnalytics(ctx context.Context, user string) (UserAnalytics, error) {
	var out UserAnalytics
	err := c.call(ctx, http.MethodGet, "/api/analytics/user", header(headerUser, user), nil, &out)
	return out, err
}

// MerchantAnalytics returns the 30-day revenue rollup for admin.
func (c *Client) MerchantAnalytics(ctx context.Context, admin string) (MerchantAnalytics, error) {
	var out MerchantAnalytics
	err := c.call(ctx, http.MethodGet, "/api/analytics/merchant", header(headerMerchantAdmin, admin), nil, &out)
	return out, err
}

// PayAndCall settles one merchant call with the stored agent key.
func (c *Client) PayAndCall(ctx context.Context, req PayRequest) (PayResult, error) {
	key := c.AgentKey()
	if key == "" {
		return PayResult{}, ErrNoAgentKey
	}
	var out PayResult
	err := c.call(ctx, http.MethodPost, "/api/pay-and-call", header("Authorization", "Bearer "+key), req, &out)
	return out, err
}

func header(name, value string) http.Header {
	h := make(http.Header, 1)
	h.Set(name, value)
	return h
}

func vaultPath(vault, action string) string {
	return "/api/user/vaults/" + vault + "/" + action
}

func (c *Client) call(ctx context.Context, method, endpoint string, headers http.Header, payload, out any) error {
	return c.send(ctx, method, endpoint, headers, payload, out, nil)
}

// signedCall sends a request that the gateway only accepts when signed by
// the acting address.
func (c *Client) signedCall(ctx context.Context, method, endpoint string, headers http.Header, payload, out any) error {
	signer := c.currentSigner()
	if signer == nil {
		return ErrNoSigner
	}
	return c.send(ctx, method, endpoint, headers, payload, out, signer)
}

func (c *Client) send(ctx context.Context, method, endpoint string, headers http.Header, payload, out any, signer Signer) error {
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if signer != nil {
		ts := c.now().Unix()
		sig, err := signer(ctx, RequestMessage(method, req.URL.Path, ts, raw))
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(headerSignature, sig)
		req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return decodeAPIError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeAPIError parses {"error": msg, "code": CODE, ...metadata}.
func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		apiErr.Message = string(bytes.TrimSpace(data))
		return apiErr
	}
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		switch k {
		case "error":
			apiErr.Message = s
		case "code":
			apiErr.Code = s
		default:
			if apiErr.Metadata == nil {
				apiErr.Metadata = make(map[string]string)
			}
			apiErr.Metadata[k] = s
		}
	}
	return apiErr
}
