package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"ShadowStream/internal/activity"
	"ShadowStream/internal/analytics"
	"ShadowStream/internal/auth"
	"ShadowStream/internal/merchant"
	"ShadowStream/internal/observability/metrics"
	"ShadowStream/internal/proofs"
	"ShadowStream/internal/settlement"
	"ShadowStream/internal/vaults"
	"ShadowStream/internal/web3"
	"ShadowStream/internal/web3/simulated"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const payoutAddr = "0x00000000000000000000000000000000000000c3"

var (
	userKey     = mustKey()
	adminKey    = mustKey()
	strangerKey = mustKey()
	userAddr    = crypto.PubkeyToAddress(userKey.PublicKey).Hex()
	adminAddr   = crypto.PubkeyToAddress(adminKey.PublicKey).Hex()
)

func mustKey() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

type testEnv struct {
	server   *Server
	srv      *httptest.Server
	chain    *simulated.Client
	merchant *httptest.Server
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chain, err := simulated.New(key, web3.ChainDefinition{})
	if err != nil {
		t.Fatalf("simulated chain: %v", err)
	}
	activities := activity.NewMemoryStore()
	agentStore := auth.NewMemoryStore()

	vaultSvc, err := vaults.NewService(chain, activities)
	if err != nil {
		t.Fatalf("vault service: %v", err)
	}
	merchants, err := merchant.NewService(merchant.NewMemoryStore(), chain)
	if err != nil {
		t.Fatalf("merchant service: %v", err)
	}
	agents, err := auth.NewService(agentStore)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	reports, err := analytics.NewService(chain, activities, merchants, agentStore)
	if err != nil {
		t.Fatalf("analytics service: %v", err)
	}
	m := metrics.New()
	orchestrator, err := settlement.NewOrchestrator(agents, merchants, activities, chain, nil, settlement.Options{
		MerchantTimeout: 5 * time.Second,
		Metrics:         m,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	server, err := NewServer(Options{Addr: ":0"}, Services{
		Vaults:       vaultSvc,
		Merchants:    merchants,
		Agents:       agents,
		Analytics:    reports,
		Orchestrator: orchestrator,
		Chain:        chain,
		Metrics:      m,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	env := &testEnv{server: server, chain: chain, metrics: m}
	env.srv = httptest.NewServer(server.Handler())
	t.Cleanup(env.srv.Close)
	env.merchant = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"forecast":"sunny","path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(env.merchant.Close)
	return env
}

func (e *testEnv) call(t *testing.T, method, path string, headers map[string]string, body any) (int, map[string]any) {
	t.Helper()
	return e.do(t, nil, method, path, headers, body)
}

// signedCall 以 key 对请求签名后发送。
func (e *testEnv) signedCall(t *testing.T, key *ecdsa.PrivateKey, method, path string, headers map[string]string, body any) (int, map[string]any) {
	t.Helper()
	return e.do(t, key, method, path, headers, body)
}

func (e *testEnv) do(t *testing.T, key *ecdsa.PrivateKey, method, path string, headers map[string]string, body any) (int, map[string]any) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != nil {
		ts := time.Now().Unix()
		sig, err := proofs.SignRequest(key, proofs.RequestMessage(method, path, ts, raw))
		if err != nil {
			t.Fatalf("sign request: %v", err)
		}
		req.Header.Set(proofs.HeaderSignature, sig)
		req.Header.Set(proofs.HeaderTimestamp, strconv.FormatInt(ts, 10))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestHealthReportsChainSnapshot(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.call(t, http.MethodGet, "/health", nil, nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", status, body)
	}
	chain, ok := body["chain"].(map[string]any)
	if !ok || chain["chainId"] != "0x89" {
		t.Fatalf("unexpected chain snapshot %v", body["chain"])
	}
}

func TestPayAndCallOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	user := map[string]string{headerUser: userAddr}

	status, body := env.signedCall(t, userKey, http.MethodPost, "/api/user/vaults", nil, vaults.CreateRequest{
		UserAddress:  userAddr,
		TokenAddress: web3.DefaultUSDCAddress,
		MaxPerTx:     "5",
		DailyLimit:   "10",
	})
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("create vault: %d %v", status, body)
	}
	vault, _ := body["vaultAddress"].(string)
	if !common.IsHexAddress(vault) {
		t.Fatalf("unexpected vault address %q", vault)
	}

	usdc := common.HexToAddress(web3.DefaultUSDCAddress)
	if err := env.chain.Mint(usdc, common.HexToAddress(userAddr), big.NewInt(20_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if status, body := env.signedCall(t, userKey, http.MethodPost, "/api/user/vaults/"+vault+"/deposit", user, map[string]string{"amount": "20"}); status != http.StatusOK || body["success"] != true {
		t.Fatalf("deposit: %d %v", status, body)
	}

	status, body = env.signedCall(t, adminKey, http.MethodPost, "/api/merchant/apis", nil, merchant.RegisterRequest{
		AdminAddress:  adminAddr,
		PayoutAddress: payoutAddr,
		APIName:       "weather",
		BaseURL:       env.merchant.URL,
		PricePerCall:  "1.25",
		ChainID:       web3.DefaultChainID,
		TokenAddress:  web3.DefaultUSDCAddress,
	})
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("register api: %d %v", status, body)
	}
	listing, _ := body["merchantApi"].(map[string]any)
	apiID, _ := listing["id"].(string)
	if apiID == "" {
		t.Fatalf("missing api id in %v", body)
	}

	status, body = env.signedCall(t, userKey, http.MethodPost, "/api/agents", nil, auth.IssueRequest{
		OrgAddress:    userAddr,
		Name:          "research-bot",
		AllowedVaults: []string{strings.ToLower(vault)},
	})
	if status != http.StatusOK {
		t.Fatalf("create agent: %d %v", status, body)
	}
	agentKey, _ := body["agentKey"].(string)
	if !strings.HasPrefix(agentKey, "ss_agent_") {
		t.Fatalf("unexpected agent key %q", agentKey)
	}
	if nested, _ := body["agent"].(map[string]any); nested["agentKey"] != nil {
		t.Fatalf("agent object must not repeat the key: %v", nested)
	}

	status, body = env.call(t, http.MethodPost, "/api/pay-and-call", map[string]string{"Authorization": "Bearer " + agentKey}, map[string]any{
		"vaultAddress":  vault,
		"merchantApiId": apiID,
		"requestPath":   "/forecast",
		"payload":       map[string]string{"city": "Lisbon"},
	})
	if status != http.StatusOK || body["success"] != true || body["amount"] != "1.25" {
		t.Fatalf("pay-and-call: %d %v", status, body)
	}
	resp, _ := body["apiResponse"].(map[string]any)
	if resp["forecast"] != "sunny" || resp["path"] != "/forecast" {
		t.Fatalf("unexpected merchant response %v", body["apiResponse"])
	}

	status, body = env.call(t, http.MethodGet, "/api/user/vaults/"+vault+"/activity", nil, nil)
	rows, _ := body["activities"].([]any)
	if status != http.StatusOK || len(rows) != 1 {
		t.Fatalf("activity: %d %v", status, body)
	}
	if row, _ := rows[0].(map[string]any); row["status"] != string(activity.StatusSuccess) {
		t.Fatalf("unexpected activity row %v", row)
	}

	status, body = env.call(t, http.MethodGet, "/api/user/vaults", user, nil)
	list, _ := body["vaults"].([]any)
	if status != http.StatusOK || len(list) != 1 {
		t.Fatalf("list vaults: %d %v", status, body)
	}
	if summary, _ := list[0].(map[string]any); summary["spentToday"] != "1.25" || summary["balance"] != "18.75" {
		t.Fatalf("unexpected summary %v", summary)
	}

	status, body = env.call(t, http.MethodGet, "/api/analytics/user", user, nil)
	if status != http.StatusOK || body["totalSpend30d"] != "1.25" {
		t.Fatalf("user analytics: %d %v", status, body)
	}
	status, body = env.call(t, http.MethodGet, "/api/analytics/merchant", map[string]string{headerMerchantAdmin: adminAddr}, nil)
	if status != http.StatusOK || body["totalRevenue30d"] != "1.25" {
		t.Fatalf("merchant analytics: %d %v", status, body)
	}

	status, body = env.call(t, http.MethodGet, "/api/agents", map[string]string{headerOrg: userAddr}, nil)
	agents, _ := body["agents"].([]any)
	if status != http.StatusOK || len(agents) != 1 {
		t.Fatalf("list agents: %d %v", status, body)
	}
	if masked, _ := agents[0].(map[string]any)["agentKey"].(string); masked == agentKey || !strings.Contains(masked, "...") {
		t.Fatalf("listing must mask the key, got %q", masked)
	}
}

func TestMerchantAdminRoutes(t *testing.T) {
	env := newTestEnv(t)
	admin := map[string]string{headerMerchantAdmin: adminAddr}

	if status, body := env.call(t, http.MethodGet, "/api/merchant/status", admin, nil); status != http.StatusNotFound && status != http.StatusBadRequest {
		t.Fatalf("unregistered merchant should be rejected, got %d %v", status, body)
	}

	status, body := env.signedCall(t, adminKey, http.MethodPost, "/api/merchant/apis", nil, merchant.RegisterRequest{
		AdminAddress:  adminAddr,
		PayoutAddress: payoutAddr,
		APIName:       "search",
		BaseURL:       env.merchant.URL,
		PricePerCall:  "0.1",
		ChainID:       web3.DefaultChainID,
	})
	if status != http.StatusOK {
		t.Fatalf("register: %d %v", status, body)
	}

	newPayout := "0x00000000000000000000000000000000000000c4"
	if status, body := env.signedCall(t, adminKey, http.MethodPut, "/api/merchant/payout", admin, map[string]string{"payoutAddress": newPayout}); status != http.StatusOK || body["success"] != true {
		t.Fatalf("update payout: %d %v", status, body)
	}
	if status, body := env.signedCall(t, adminKey, http.MethodPut, "/api/merchant/status", admin, map[string]bool{"active": false}); status != http.StatusOK || body["success"] != true {
		t.Fatalf("deactivate: %d %v", status, body)
	}

	status, body = env.call(t, http.MethodGet, "/api/merchant/status", admin, nil)
	if status != http.StatusOK || body["active"] != false || body["payoutAddress"] != common.HexToAddress(newPayout).Hex() {
		t.Fatalf("unexpected status %d %v", status, body)
	}

	status, body = env.call(t, http.MethodGet, "/api/merchant/apis", admin, nil)
	if apis, _ := body["apis"].([]any); status != http.StatusOK || len(apis) != 1 {
		t.Fatalf("list apis: %d %v", status, body)
	}

	if status, _ := env.signedCall(t, adminKey, http.MethodPut, "/api/merchant/status", admin, map[string]string{}); status != http.StatusBadRequest {
		t.Fatalf("missing active flag should be rejected, got %d", status)
	}
}

// createVault 由 userKey 签名创建一个 5/10 规则的金库。
func (e *testEnv) createVault(t *testing.T) string {
	t.Helper()
	status, body := e.signedCall(t, userKey, http.MethodPost, "/api/user/vaults", nil, vaults.CreateRequest{
		UserAddress:  userAddr,
		TokenAddress: web3.DefaultUSDCAddress,
		MaxPerTx:     "5",
		DailyLimit:   "10",
	})
	if status != http.StatusOK {
		t.Fatalf("create vault: %d %v", status, body)
	}
	vault, _ := body["vaultAddress"].(string)
	return vault
}

func TestVaultMutationsRequireOwnerSignature(t *testing.T) {
	env := newTestEnv(t)
	vault := env.createVault(t)
	user := map[string]string{headerUser: userAddr}
	stranger := crypto.PubkeyToAddress(strangerKey.PublicKey).Hex()
	rules := map[string]string{"maxPerTx": "5000", "dailyLimit": "10000"}
	executor := map[string]string{"executorAddress": stranger}

	cases := []struct {
		name    string
		key     *ecdsa.PrivateKey
		headers map[string]string
		path    string
		method  string
		body    any
		status  int
	}{
		{"header only rules", nil, user, "/rules", http.MethodPut, rules, http.StatusUnauthorized},
		{"header only executor", nil, user, "/executor", http.MethodPut, executor, http.StatusUnauthorized},
		{"header only withdraw", nil, user, "/withdraw", http.MethodPost, map[string]string{"amount": "1"}, http.StatusUnauthorized},
		{"stranger claims owner", strangerKey, user, "/rules", http.MethodPut, rules, http.StatusForbidden},
		{"stranger signs as self", strangerKey, map[string]string{headerUser: stranger}, "/executor", http.MethodPut, executor, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.do(t, tc.key, tc.method, "/api/user/vaults/"+vault+tc.path, tc.headers, tc.body)
			if status != tc.status {
				t.Fatalf("expected %d, got %d %v", tc.status, status, body)
			}
			state, err := env.chain.VaultState(context.Background(), common.HexToAddress(vault))
			if err != nil {
				t.Fatalf("vault state: %v", err)
			}
			if state.MaxPerTx.Cmp(big.NewInt(5_000_000)) != 0 || state.TrustedExecutor != env.chain.ExecutorAddress() {
				t.Fatalf("rejected request changed the vault: %+v", state)
			}
		})
	}

	if status, body := env.signedCall(t, userKey, http.MethodPut, "/api/user/vaults/"+vault+"/rules", user, rules); status != http.StatusOK {
		t.Fatalf("owner should update rules, got %d %v", status, body)
	}
}

func TestMerchantMutationsRequireAdminSignature(t *testing.T) {
	env := newTestEnv(t)
	admin := map[string]string{headerMerchantAdmin: adminAddr}
	if status, body := env.signedCall(t, adminKey, http.MethodPost, "/api/merchant/apis", nil, merchant.RegisterRequest{
		AdminAddress:  adminAddr,
		PayoutAddress: payoutAddr,
		APIName:       "search",
		BaseURL:       env.merchant.URL,
		PricePerCall:  "0.1",
		ChainID:       web3.DefaultChainID,
	}); status != http.StatusOK {
		t.Fatalf("register: %d %v", status, body)
	}
	stranger := crypto.PubkeyToAddress(strangerKey.PublicKey).Hex()
	if status, _ := env.call(t, http.MethodPost, "/api/merchant/apis", nil, merchant.RegisterRequest{
		AdminAddress:  adminAddr,
		PayoutAddress: stranger,
		APIName:       "spoof",
		BaseURL:       env.merchant.URL,
		PricePerCall:  "0.1",
		ChainID:       web3.DefaultChainID,
	}); status != http.StatusUnauthorized {
		t.Fatalf("unsigned registration should be rejected, got %d", status)
	}

	attempts := []struct {
		name   string
		key    *ecdsa.PrivateKey
		path   string
		body   any
		status int
	}{
		{"header only payout", nil, "/api/merchant/payout", map[string]string{"payoutAddress": stranger}, http.StatusUnauthorized},
		{"header only status", nil, "/api/merchant/status", map[string]bool{"active": false}, http.StatusUnauthorized},
		{"stranger payout", strangerKey, "/api/merchant/payout", map[string]string{"payoutAddress": stranger}, http.StatusForbidden},
		{"stranger status", strangerKey, "/api/merchant/status", map[string]bool{"active": false}, http.StatusForbidden},
	}
	for _, tc := range attempts {
		if status, body := env.do(t, tc.key, http.MethodPut, tc.path, admin, tc.body); status != tc.status {
			t.Fatalf("%s: expected %d, got %d %v", tc.name, tc.status, status, body)
		}
	}

	ctx := context.Background()
	id, err := env.chain.MerchantIDByAdmin(ctx, common.HexToAddress(adminAddr))
	if err != nil {
		t.Fatalf("merchant id: %v", err)
	}
	record, err := env.chain.Merchant(ctx, id)
	if err != nil {
		t.Fatalf("merchant record: %v", err)
	}
	if !record.Active || record.PayoutAddress != common.HexToAddress(payoutAddr) {
		t.Fatalf("rejected requests changed the merchant: %+v", record)
	}
	status, body := env.call(t, http.MethodGet, "/api/merchant/apis", admin, nil)
	if apis, _ := body["apis"].([]any); status != http.StatusOK || len(apis) != 1 {
		t.Fatalf("unsigned registration must not add a listing: %d %v", status, body)
	}
}

func TestAgentIssuanceRequiresVaultOwnership(t *testing.T) {
	env := newTestEnv(t)
	vault := env.createVault(t)
	stranger := crypto.PubkeyToAddress(strangerKey.PublicKey).Hex()

	if status, _ := env.call(t, http.MethodPost, "/api/agents", nil, auth.IssueRequest{
		OrgAddress: userAddr, Name: "bot", AllowedVaults: []string{vault},
	}); status != http.StatusUnauthorized {
		t.Fatalf("unsigned issuance should be rejected, got %d", status)
	}
	if status, body := env.signedCall(t, strangerKey, http.MethodPost, "/api/agents", nil, auth.IssueRequest{
		OrgAddress: stranger, Name: "bot", AllowedVaults: []string{vault},
	}); status != http.StatusForbidden {
		t.Fatalf("agent scoped to a foreign vault should be forbidden, got %d %v", status, body)
	}
	for _, org := range []string{userAddr, stranger} {
		status, body := env.call(t, http.MethodGet, "/api/agents", map[string]string{headerOrg: org}, nil)
		if agents, _ := body["agents"].([]any); status != http.StatusOK || len(agents) != 0 {
			t.Fatalf("no agent should exist for %s: %d %v", org, status, body)
		}
	}
}

func TestPayAndCallMerchantAPIIDTypes(t *testing.T) {
	env := newTestEnv(t)
	vault := env.createVault(t)
	status, body := env.signedCall(t, userKey, http.MethodPost, "/api/agents", nil, auth.IssueRequest{
		OrgAddress: userAddr, Name: "bot", AllowedVaults: []string{vault},
	})
	if status != http.StatusOK {
		t.Fatalf("create agent: %d %v", status, body)
	}
	bearer := map[string]string{"Authorization": "Bearer " + body["agentKey"].(string)}

	cases := []struct {
		name   string
		id     any
		status int
		code   string
		msg    string
	}{
		{"numeric id", 12345, http.StatusNotFound, "MERCHANT_API_NOT_FOUND", ""},
		{"boolean id", true, http.StatusBadRequest, "INVALID_ARGUMENT", "merchantApiId must be a string or a number"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.call(t, http.MethodPost, "/api/pay-and-call", bearer, map[string]any{
				"vaultAddress":  vault,
				"merchantApiId": tc.id,
				"requestPath":   "/x",
			})
			if status != tc.status || body["code"] != tc.code {
				t.Fatalf("expected %d %s, got %d %v", tc.status, tc.code, status, body)
			}
			if tc.msg != "" && body["error"] != tc.msg {
				t.Fatalf("expected targeted message, got %v", body["error"])
			}
		})
	}
}

func TestErrorResponses(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		body    any
		status  int
		code    string
	}{
		{"missing user header", http.MethodGet, "/api/user/vaults", nil, nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"missing org header", http.MethodGet, "/api/agents", nil, nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"missing admin header", http.MethodGet, "/api/analytics/merchant", nil, nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unsigned create", http.MethodPost, "/api/user/vaults", nil, map[string]string{"userAddress": userAddr}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad vault path", http.MethodGet, "/api/user/vaults/nope/activity", nil, nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown agent key", http.MethodPost, "/api/pay-and-call", map[string]string{"Authorization": "Bearer ss_agent_unknown"}, map[string]any{
			"vaultAddress":  userAddr,
			"merchantApiId": "api-1",
			"requestPath":   "/x",
		}, http.StatusUnauthorized, "UNAUTHORIZED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.call(t, tc.method, tc.path, tc.headers, tc.body)
			if status != tc.status || body["code"] != tc.code {
				t.Fatalf("expected %d %s, got %d %v", tc.status, tc.code, status, body)
			}
			if msg, _ := body["error"].(string); msg == "" {
				t.Fatalf("error message missing: %v", body)
			}
		})
	}

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/pay-and-call", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body should be rejected, got %d", resp.StatusCode)
	}

	if status, body := env.signedCall(t, userKey, http.MethodPost, "/api/user/vaults", nil, map[string]string{"userAddress": userAddr}); status != http.StatusBadRequest || body["code"] != "INVALID_ARGUMENT" {
		t.Fatalf("signed request with missing fields should be rejected, got %d %v", status, body)
	}

	if status, _ := env.call(t, http.MethodGet, "/api/unknown", nil, nil); status != http.StatusNotFound {
		t.Fatalf("unknown route should be 404, got %d", status)
	}
}

func TestRequestsAreCountedByRoute(t *testing.T) {
	env := newTestEnv(t)
	vault := "0x00000000000000000000000000000000000000f1"
	env.call(t, http.MethodGet, "/api/user/vaults/"+vault+"/activity", nil, nil)
	env.call(t, http.MethodGet, "/api/user/vaults/"+vault+"/activity", nil, nil)

	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `route="/api/user/vaults/{vault}/activity"`) {
		t.Fatalf("metrics should be labelled with the route pattern:\n%s", raw)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/user/vaults", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", headerUser)
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("preflight should allow the origin, headers %v", resp.Header)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	server := newTestEnv(t).server
	server.opts.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
