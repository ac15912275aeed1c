package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	xerrors "ShadowStream/internal/errors"
)

type captured struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestFanoutDeliversToAllNotifiers(t *testing.T) {
	slack := &captured{}
	hook := &captured{}
	slackSrv := httptest.NewServer(slack.handler(http.StatusOK))
	defer slackSrv.Close()
	hookSrv := httptest.NewServer(hook.handler(http.StatusAccepted))
	defer hookSrv.Close()

	d := NewFanout(
		&SlackNotifier{WebhookURL: slackSrv.URL},
		&WebhookNotifier{URL: hookSrv.URL},
		nil,
	)
	if d.Len() != 2 {
		t.Fatalf("nil notifiers should be skipped, got %d", d.Len())
	}

	err := xerrors.New(xerrors.CodeChainFailure, "receipt lookup failed", xerrors.WithMetadata("attempts", "3"))
	event := FromError("reconcile", err)
	event.ActivityID = "act-1"
	if err := d.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(slack.bodies) != 1 {
		t.Fatalf("expected one slack message, got %d", len(slack.bodies))
	}
	text, _ := slack.bodies[0]["text"].(string)
	if !strings.Contains(text, "CHAIN_FAILURE") || !strings.Contains(text, "act-1") || !strings.Contains(text, "attempts: 3") {
		t.Fatalf("unexpected slack text %q", text)
	}
	if len(hook.bodies) != 1 || hook.bodies[0]["code"] != "CHAIN_FAILURE" || hook.bodies[0]["source"] != "reconcile" {
		t.Fatalf("unexpected webhook payload %+v", hook.bodies)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	failing := httptest.NewServer((&captured{}).handler(http.StatusInternalServerError))
	defer failing.Close()

	d := NewFanout(&WebhookNotifier{URL: failing.URL}, &SlackNotifier{})
	err := d.Notify(context.Background(), Event{Code: xerrors.CodeUnknown, Message: "boom"})
	if err == nil || !strings.Contains(err.Error(), "webhook") {
		t.Fatalf("expected webhook failure, got %v", err)
	}
}

func TestFromPlainError(t *testing.T) {
	event := FromError("settlement", errors.New("plain"))
	if event.Code != xerrors.CodeUnknown || event.Message != "plain" || event.OccurredAt.IsZero() {
		t.Fatalf("unexpected event %+v", event)
	}
	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}
