package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/paysplit/paysplit/internal/billing"
)

func dialBillStream(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(server.URL, "http", "ws", 1) + "/ws/bills?access_token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func findSplit(payload billing.BillPayload, username string) *billing.SplitPayload {
	for i := range payload.Splits {
		if payload.Splits[i].User == username {
			return &payload.Splits[i]
		}
	}
	return nil
}

func TestBillStreamSendsSnapshotThenUpdates(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	aliceToken := env.registerUser(t, "alice")
	bobToken := env.registerUser(t, "bob")
	bill := env.createBill(t, aliceToken, "alice", "bob")

	conn := dialBillStream(t, server, bobToken)

	readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var snapshot []billing.BillPayload
	if err := wsjson.Read(readCtx, conn, &snapshot); err != nil {
		t.Fatalf("failed to read snapshot frame: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].ID != bill.ID {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	path := fmt.Sprintf("/api/bills/%d/accept", bill.ID)
	recorder := env.do(t, http.MethodPost, path, bobToken, map[string]string{"amount": "5.00"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("accept failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	var update billing.BillPayload
	if err := wsjson.Read(readCtx, conn, &update); err != nil {
		t.Fatalf("failed to read update frame: %v", err)
	}
	if update.ID != bill.ID {
		t.Fatalf("expected update for bill %d, got %d", bill.ID, update.ID)
	}
	split := findSplit(update, "bob")
	if split == nil || split.Agree == nil || !*split.Agree {
		t.Fatalf("expected bob's split accepted in update, got %+v", update.Splits)
	}
}

func TestBillStreamRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(server.URL, "http", "ws", 1) + "/ws/bills"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
}
