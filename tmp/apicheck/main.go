package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"campusbarter/internal/config"
	"campusbarter/internal/db"
	"campusbarter/internal/engine"
	"campusbarter/internal/migrate"
	"campusbarter/internal/server"
)

// Manual smoke check: register two users, list two items, run a full trade.
func main() {
	workspace := "/tmp/campusbarter-check"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("check")
	e := engine.New(conn, cfg)
	h, err := server.New(server.Config{Engine: e, BasePath: "/api", Auth: server.AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	alice := register(ts.URL, "Alice", "alice@example.edu")
	bob := register(ts.URL, "Bob", "bob@example.edu")

	itemA := post(ts.URL+"/api/items", alice, map[string]any{"title": "Calc textbook", "category": "Textbooks"})
	itemB := post(ts.URL+"/api/items", bob, map[string]any{"title": "Desk lamp", "category": "Furniture"})

	trade := post(ts.URL+"/api/trades", alice, map[string]any{
		"recipient_id":    int64(bob["user"].(map[string]any)["id"].(float64)),
		"offered_items":   []int64{int64(itemA["id"].(float64))},
		"requested_items": []int64{int64(itemB["id"].(float64))},
		"message":         "lamp for textbook?",
	})
	tradeID := int64(trade["id"].(float64))

	put(fmt.Sprintf("%s/api/trades/%d", ts.URL, tradeID), bob, map[string]any{"status": "accepted"})
	final := put(fmt.Sprintf("%s/api/trades/%d", ts.URL, tradeID), alice, map[string]any{"status": "completed"})
	fmt.Println("final status:", final["status"])
}

func register(base, name, email string) map[string]any {
	return request(http.MethodPost, base+"/api/auth/register", "", map[string]any{
		"name": name, "email": email, "password": "hunter2hunter2",
	})
}

func post(url string, auth map[string]any, body map[string]any) map[string]any {
	return request(http.MethodPost, url, auth["token"].(string), body)
}

func put(url string, auth map[string]any, body map[string]any) map[string]any {
	return request(http.MethodPut, url, auth["token"].(string), body)
}

func request(method, url, token string, body map[string]any) map[string]any {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(method, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		panic(err)
	}
	if res.StatusCode >= 300 {
		panic(fmt.Sprintf("%s %s -> %d: %v", method, url, res.StatusCode, out))
	}
	return out
}
