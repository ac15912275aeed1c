package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ShadowStream/sdk/go/shadowstream"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-shadowstream-signature") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Missing request signature","code":"UNAUTHORIZED"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(shadowstream.AgentCreation{
			Success:  true,
			AgentKey: "ss_agent_demo",
			Agent:    shadowstream.Agent{ID: "agent-demo", Name: "research-bot", CreatedAt: time.Now().UTC()},
		})
	})
	mux.HandleFunc("/api/pay-and-call", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ss_agent_demo" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid agent key","code":"UNAUTHORIZED"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(shadowstream.PayResult{
			Success:       true,
			TxHash:        "0x5e1f",
			Amount:        "0.25",
			MerchantAPIID: "weather-api",
			ActivityID:    "activity-demo",
			APIResponse:   json.RawMessage(`{"forecast":"sunny"}`),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := shadowstream.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	// Throwaway org wallet. Real callers sign with their own wallet.
	orgKey, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	client.SetSigner(func(_ context.Context, message []byte) (string, error) {
		sig, err := crypto.Sign(accounts.TextHash(message), orgKey)
		if err != nil {
			return "", err
		}
		sig[crypto.RecoveryIDOffset] += 27
		return hexutil.Encode(sig), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.CreateAgent(ctx, shadowstream.CreateAgentRequest{
		OrgAddress:    crypto.PubkeyToAddress(orgKey.PublicKey).Hex(),
		Name:          "research-bot",
		AllowedVaults: []string{"0x00000000000000000000000000000000000000f1"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created agent %s\n", created.Agent.ID)
	client.SetAgentKey(created.AgentKey)

	result, err := client.PayAndCall(ctx, shadowstream.PayRequest{
		VaultAddress:  "0x00000000000000000000000000000000000000f1",
		MerchantAPIID: "weather-api",
		RequestPath:   "/forecast?city=lisbon",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("paid %s in tx %s, merchant said %s\n", result.Amount, result.TxHash, result.APIResponse)
}
