package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"campusbarter/internal/config"
	"campusbarter/internal/db"
	"campusbarter/internal/engine"
	"campusbarter/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("test-campus"))
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	handler, err := New(Config{
		Engine: eng,
		Auth:   AuthConfig{JWTSecret: "test-secret"},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	ts := testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		out = nil
	}
	return resp.StatusCode, out
}

// doList is doJSON for endpoints returning a JSON array.
func doList(t *testing.T, client *http.Client, method, url string, headers map[string]string) (int, []map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		out = nil
	}
	return resp.StatusCode, out
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// register creates a user through the API and returns its bearer token and id.
func register(t *testing.T, ts testServer, name, email string) (string, int64) {
	t.Helper()
	status, out := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/auth/register", map[string]any{
		"name": name, "email": email, "password": "secret-password",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register %s: status %d body %v", email, status, out)
	}
	token, _ := out["token"].(string)
	if token == "" {
		t.Fatalf("register %s: missing token in %v", email, out)
	}
	user, _ := out["user"].(map[string]any)
	id, _ := user["id"].(float64)
	return token, int64(id)
}

func createItem(t *testing.T, ts testServer, token, title string) int64 {
	t.Helper()
	status, out := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/items", map[string]any{
		"title": title, "category": "Textbooks",
	}, bearer(token))
	if status != http.StatusCreated {
		t.Fatalf("create item: status %d body %v", status, out)
	}
	id, _ := out["id"].(float64)
	return int64(id)
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)
	token, _ := register(t, ts, "Alice", "alice@example.edu")
	if token == "" {
		t.Fatalf("empty token")
	}

	status, out := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/auth/login", map[string]any{
		"email": "alice@example.edu", "password": "secret-password",
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("login: status %d body %v", status, out)
	}
	if token, _ := out["token"].(string); token == "" {
		t.Fatalf("login: missing token in %v", out)
	}

	status, out = doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/auth/login", map[string]any{
		"email": "alice@example.edu", "password": "wrong",
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d body %v", status, out)
	}

	status, out = doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/auth/register", map[string]any{
		"name": "Alice2", "email": "alice@example.edu", "password": "secret-password",
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("duplicate register: status %d body %v", status, out)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	status, out := doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/trades", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body %v", status, out)
	}
	status, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/trades", nil, bearer("not-a-jwt"))
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", status)
	}
	// health and categories stay open
	status, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/health", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", status)
	}
	status, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/categories", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("categories: expected 200, got %d", status)
	}
}

func TestTradeFlow(t *testing.T) {
	ts := newTestServer(t)
	aliceToken, aliceID := register(t, ts, "Alice", "alice@example.edu")
	bobToken, bobID := register(t, ts, "Bob", "bob@example.edu")
	carolToken, _ := register(t, ts, "Carol", "carol@example.edu")

	offered := createItem(t, ts, aliceToken, "calc book")
	requested := createItem(t, ts, bobToken, "physics book")

	status, out := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/trades", map[string]any{
		"recipient_id":    bobID,
		"offered_items":   []int64{offered},
		"requested_items": []int64{requested},
		"message":         "swap?",
	}, bearer(aliceToken))
	if status != http.StatusCreated {
		t.Fatalf("propose: status %d body %v", status, out)
	}
	tradeID := int64(out["id"].(float64))
	if out["status"] != "pending" {
		t.Fatalf("expected pending, got %v", out["status"])
	}
	if int64(out["initiator_id"].(float64)) != aliceID {
		t.Fatalf("wrong initiator: %v", out)
	}

	tradeURL := fmt.Sprintf("%s/api/trades/%d", ts.URL, tradeID)

	// a non-party can't see the trade
	status, out = doJSON(t, ts.client, http.MethodGet, tradeURL, nil, bearer(carolToken))
	if status != http.StatusForbidden || errCode(out) != "forbidden" {
		t.Fatalf("expected 403 forbidden, got %d %v", status, out)
	}

	// the initiator can't accept their own proposal
	status, out = doJSON(t, ts.client, http.MethodPut, tradeURL, map[string]any{"status": "accepted"}, bearer(aliceToken))
	if status != http.StatusForbidden {
		t.Fatalf("initiator accept: expected 403, got %d %v", status, out)
	}

	status, out = doJSON(t, ts.client, http.MethodPut, tradeURL, map[string]any{"status": "accepted"}, bearer(bobToken))
	if status != http.StatusOK || out["status"] != "accepted" {
		t.Fatalf("accept: status %d body %v", status, out)
	}
	if int64(out["version"].(float64)) != 1 {
		t.Fatalf("expected version 1 after accept, got %v", out["version"])
	}

	// accepting twice conflicts
	status, out = doJSON(t, ts.client, http.MethodPut, tradeURL, map[string]any{"status": "accepted"}, bearer(bobToken))
	if status != http.StatusConflict || errCode(out) != "invalid_transition" {
		t.Fatalf("double accept: expected 409 invalid_transition, got %d %v", status, out)
	}

	status, out = doJSON(t, ts.client, http.MethodPut, tradeURL, map[string]any{"status": "completed"}, bearer(aliceToken))
	if status != http.StatusOK || out["status"] != "completed" {
		t.Fatalf("complete: status %d body %v", status, out)
	}
	if out["completion_date"] == nil {
		t.Fatalf("missing completion_date: %v", out)
	}

	// list filters by status
	status, trades := doList(t, ts.client, http.MethodGet, ts.URL+"/api/trades?status=completed", bearer(bobToken))
	if status != http.StatusOK || len(trades) != 1 {
		t.Fatalf("expected one completed trade, got %d %v", status, trades)
	}
	status, trades = doList(t, ts.client, http.MethodGet, ts.URL+"/api/trades?status=pending", bearer(bobToken))
	if status != http.StatusOK || len(trades) != 0 {
		t.Fatalf("expected no pending trades, got %d %v", status, trades)
	}

	status, out = doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/trades/99999", nil, bearer(aliceToken))
	if status != http.StatusNotFound || errCode(out) != "not_found" {
		t.Fatalf("expected 404 not_found, got %d %v", status, out)
	}
}

// Two parties race a PUT on the same pending trade. Exactly one transition
// commits; the loser gets a 409, never a 500 from the database layer.
func TestConcurrentTransitionOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	aliceToken, _ := register(t, ts, "Alice", "alice@example.edu")
	bobToken, bobID := register(t, ts, "Bob", "bob@example.edu")

	offered := createItem(t, ts, aliceToken, "desk lamp")
	requested := createItem(t, ts, bobToken, "bike pump")

	status, out := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/trades", map[string]any{
		"recipient_id":    bobID,
		"offered_items":   []int64{offered},
		"requested_items": []int64{requested},
	}, bearer(aliceToken))
	if status != http.StatusCreated {
		t.Fatalf("propose: status %d body %v", status, out)
	}
	tradeURL := fmt.Sprintf("%s/api/trades/%d", ts.URL, int64(out["id"].(float64)))

	put := func(target string) (int, string, error) {
		body, _ := json.Marshal(map[string]any{"status": target})
		req, err := http.NewRequest(http.MethodPut, tradeURL, bytes.NewReader(body))
		if err != nil {
			return 0, "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+bobToken)
		resp, err := ts.client.Do(req)
		if err != nil {
			return 0, "", err
		}
		defer resp.Body.Close()
		var payload map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			payload = nil
		}
		return resp.StatusCode, errCode(payload), nil
	}

	type result struct {
		status int
		code   string
		err    error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for _, target := range []string{"accepted", "rejected"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			st, code, err := put(target)
			results <- result{st, code, err}
		}(target)
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for r := range results {
		if r.err != nil {
			t.Fatalf("put: %v", r.err)
		}
		switch r.status {
		case http.StatusOK:
			wins++
		case http.StatusConflict:
			conflicts++
			if r.code != "invalid_transition" {
				t.Fatalf("loser: expected invalid_transition, got %q", r.code)
			}
		default:
			t.Fatalf("unexpected status %d (%s)", r.status, r.code)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %d/%d", wins, conflicts)
	}

	status, out = doJSON(t, ts.client, http.MethodGet, tradeURL, nil, bearer(bobToken))
	if status != http.StatusOK {
		t.Fatalf("get trade: status %d body %v", status, out)
	}
	if s := out["status"]; s != "accepted" && s != "rejected" {
		t.Fatalf("unexpected final status %v", s)
	}
	if int64(out["version"].(float64)) != 1 {
		t.Fatalf("expected version 1, got %v", out["version"])
	}
}

func TestMessageThread(t *testing.T) {
	ts := newTestServer(t)
	aliceToken, _ := register(t, ts, "Alice", "alice@example.edu")
	bobToken, bobID := register(t, ts, "Bob", "bob@example.edu")

	offered := createItem(t, ts, aliceToken, "lamp")
	requested := createItem(t, ts, bobToken, "rug")
	status, out := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/trades", map[string]any{
		"recipient_id":    bobID,
		"offered_items":   []int64{offered},
		"requested_items": []int64{requested},
	}, bearer(aliceToken))
	if status != http.StatusCreated {
		t.Fatalf("propose: status %d body %v", status, out)
	}
	tradeID := int64(out["id"].(float64))
	msgURL := fmt.Sprintf("%s/api/trades/%d/messages", ts.URL, tradeID)

	status, first := doJSON(t, ts.client, http.MethodPost, msgURL, map[string]any{"content": "still available?"}, bearer(bobToken))
	if status != http.StatusCreated {
		t.Fatalf("post message: status %d body %v", status, first)
	}
	firstID := int64(first["id"].(float64))

	status, _ = doJSON(t, ts.client, http.MethodPost, msgURL, map[string]any{"content": "yes"}, bearer(aliceToken))
	if status != http.StatusCreated {
		t.Fatalf("reply: status %d", status)
	}

	status, msgs := doList(t, ts.client, http.MethodGet, msgURL, bearer(aliceToken))
	if status != http.StatusOK || len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d %v", status, msgs)
	}
	if msgs[0]["content"] != "still available?" || msgs[1]["content"] != "yes" {
		t.Fatalf("wrong thread order: %v", msgs)
	}

	status, msgs = doList(t, ts.client, http.MethodGet, fmt.Sprintf("%s?since_id=%d", msgURL, firstID), bearer(bobToken))
	if status != http.StatusOK || len(msgs) != 1 {
		t.Fatalf("expected 1 message after since_id, got %d %v", status, msgs)
	}

	status, out = doJSON(t, ts.client, http.MethodPost, msgURL, map[string]any{"content": ""}, bearer(aliceToken))
	if status != http.StatusBadRequest {
		t.Fatalf("blank message: expected 400, got %d %v", status, out)
	}
}

func TestItemEndpoints(t *testing.T) {
	ts := newTestServer(t)
	aliceToken, aliceID := register(t, ts, "Alice", "alice@example.edu")
	bobToken, _ := register(t, ts, "Bob", "bob@example.edu")

	itemID := createItem(t, ts, aliceToken, "desk fan")
	itemURL := fmt.Sprintf("%s/api/items/%d", ts.URL, itemID)

	status, out := doJSON(t, ts.client, http.MethodGet, itemURL, nil, bearer(bobToken))
	if status != http.StatusOK || out["title"] != "desk fan" {
		t.Fatalf("get item: status %d body %v", status, out)
	}

	status, out = doJSON(t, ts.client, http.MethodPatch, itemURL, map[string]any{"title": "quiet desk fan"}, bearer(aliceToken))
	if status != http.StatusOK || out["title"] != "quiet desk fan" {
		t.Fatalf("patch: status %d body %v", status, out)
	}

	status, out = doJSON(t, ts.client, http.MethodPatch, itemURL, map[string]any{"title": "stolen"}, bearer(bobToken))
	if status != http.StatusForbidden {
		t.Fatalf("patch by non-owner: expected 403, got %d %v", status, out)
	}

	status, items := doList(t, ts.client, http.MethodGet, ts.URL+"/api/items?user_id="+fmt.Sprint(aliceID), bearer(bobToken))
	if status != http.StatusOK || len(items) != 1 {
		t.Fatalf("expected 1 item, got %d %v", status, items)
	}

	status, _ = doJSON(t, ts.client, http.MethodDelete, itemURL, nil, bearer(aliceToken))
	if status != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", status)
	}
	status, _ = doJSON(t, ts.client, http.MethodGet, itemURL, nil, bearer(aliceToken))
	if status != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", status)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)
	aliceToken, aliceID := register(t, ts, "Alice", "alice@example.edu")

	status, out := doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/keys", map[string]any{
		"name": "ci", "key": "super-secret-key-value",
	}, bearer(aliceToken))
	if status != http.StatusCreated {
		t.Fatalf("create key: status %d body %v", status, out)
	}

	status, out = doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/me", nil, map[string]string{
		"X-Api-Key": "super-secret-key-value",
	})
	if status != http.StatusOK {
		t.Fatalf("api key auth: status %d body %v", status, out)
	}
	if int64(out["id"].(float64)) != aliceID {
		t.Fatalf("api key resolved wrong user: %v", out)
	}

	status, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/me", nil, map[string]string{
		"X-Api-Key": "wrong-key",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong api key: expected 401, got %d", status)
	}
}
