package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fintrack/fintrack/internal/auth"
	"github.com/fintrack/fintrack/internal/ledger"
	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/notify"
	"github.com/fintrack/fintrack/internal/remote"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/sync"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-test-secret-test-secret!"

type fixture struct {
	srv    *httptest.Server
	store  *ledger.Store
	hub    *notify.Hub
	client *remote.Client
}

func setupServer(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.Open failed: %v", err)
	}
	issuer, err := auth.NewIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	hub := notify.NewHub(nil)
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.MinCost
	}
	srv := httptest.NewServer(New(store, issuer, hub, nil, opts).Handler())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		store.Close()
	})
	return &fixture{srv: srv, store: store, hub: hub, client: remote.New(srv.URL)}
}

func (f *fixture) register(t *testing.T, email string) *schema.AuthResponse {
	t.Helper()
	resp, err := f.client.Register(context.Background(), schema.Credentials{Email: email, Password: "hunter22", Name: "Test"})
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", email, err)
	}
	return resp
}

func (f *fixture) request(t *testing.T, method, path, token, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func pushItem(amount string, typ schema.TxType, category, clientRef string) schema.PushItem {
	return schema.PushItem{
		ClientRef: clientRef,
		Amount:    money.MustParse(amount),
		Type:      typ,
		Category:  category,
		Date:      time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	}
}

func TestRegisterAndLogin(t *testing.T) {
	f := setupServer(t, Options{})
	reg := f.register(t, "Ann@Example.com")
	if reg.Token == "" || reg.User.ID == "" {
		t.Fatalf("register response = %+v", reg)
	}
	if reg.User.Email != "ann@example.com" {
		t.Errorf("email = %q, want lower-cased", reg.User.Email)
	}

	ctx := context.Background()
	login, err := f.client.Login(ctx, schema.Credentials{Email: "ann@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if login.User.ID != reg.User.ID {
		t.Errorf("login user = %s, want %s", login.User.ID, reg.User.ID)
	}

	_, err = f.client.Login(ctx, schema.Credentials{Email: "ann@example.com", Password: "wrong"})
	if !errors.Is(err, sync.ErrUnauthorized) {
		t.Errorf("wrong password error = %v, want ErrUnauthorized", err)
	}
	_, err = f.client.Login(ctx, schema.Credentials{Email: "nobody@example.com", Password: "hunter22"})
	if !errors.Is(err, sync.ErrUnauthorized) {
		t.Errorf("unknown user error = %v, want ErrUnauthorized", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	f := setupServer(t, Options{})
	f.register(t, "dup@example.com")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate", `{"email":"dup@example.com","password":"hunter22"}`, http.StatusConflict},
		{"bad email", `{"email":"nope","password":"hunter22"}`, http.StatusBadRequest},
		{"short password", `{"email":"a@example.com","password":"123"}`, http.StatusBadRequest},
		{"malformed", `{"email":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.request(t, http.MethodPost, "/api/auth/register", "", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	f := setupServer(t, Options{})
	for _, path := range []string{"/api/sync/pull", "/api/users/balance", "/api/categories", "/api/news", "/api/auth/verify"} {
		resp, _ := f.request(t, http.MethodGet, path, "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, resp.StatusCode)
		}
		resp, _ = f.request(t, http.MethodGet, path, "garbage", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s with bad token = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestPull_InvalidCursor(t *testing.T) {
	f := setupServer(t, Options{})
	reg := f.register(t, "a@example.com")

	for _, cursor := range []string{"abc", "-5", "1.5"} {
		resp, body := f.request(t, http.MethodGet, "/api/sync/pull?lastSyncTimestamp="+cursor, reg.Token, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("cursor %q: status = %d, want 400 (%s)", cursor, resp.StatusCode, body)
		}
	}

	resp, body := f.request(t, http.MethodGet, "/api/sync/pull", reg.Token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull without cursor = %d (%s)", resp.StatusCode, body)
	}
	var pull schema.PullResponse
	if err := json.Unmarshal([]byte(body), &pull); err != nil {
		t.Fatal(err)
	}
	if len(pull.Categories) != 15 {
		t.Errorf("first pull returned %d categories, want 15", len(pull.Categories))
	}
}

func TestPushPullDelete(t *testing.T) {
	f := setupServer(t, Options{})
	reg := f.register(t, "a@example.com")
	ctx := context.Background()

	push, err := f.client.Push(ctx, reg.Token, schema.PushRequest{Transactions: []schema.PushItem{
		pushItem("100.00", schema.Income, "salary", "local-1"),
		pushItem("30.00", schema.Expense, "food", "local-2"),
		pushItem("5.00", schema.Expense, "no-such-category", "local-3"),
	}})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(push.Results.Success) != 2 || len(push.Results.Errors) != 1 {
		t.Fatalf("push results = %+v", push.Results)
	}
	if push.Balance.String() != "70.00" {
		t.Errorf("balance after push = %s, want 70.00", push.Balance)
	}

	pull, err := f.client.Pull(ctx, reg.Token, 0)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(pull.Transactions) != 2 {
		t.Fatalf("pulled %d transactions, want 2", len(pull.Transactions))
	}

	expense := push.Results.Success[1]
	del, err := f.client.Delete(ctx, reg.Token, expense.ID)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if del.Balance.String() != "100.00" {
		t.Errorf("balance after delete = %s, want 100.00", del.Balance)
	}

	_, err = f.client.Delete(ctx, reg.Token, expense.ID)
	if !errors.Is(err, sync.ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}

	balance, err := f.client.Balance(ctx, reg.Token)
	if err != nil || balance.String() != "100.00" {
		t.Errorf("Balance() = %s, %v; want 100.00", balance, err)
	}
}

func TestTransactions_IsolatedPerUser(t *testing.T) {
	f := setupServer(t, Options{})
	alice := f.register(t, "alice@example.com")
	bob := f.register(t, "bob@example.com")

	resp, body := f.request(t, http.MethodPost, "/api/transactions", alice.Token,
		`{"amount":"12.50","type":"expense","category":"food","date":"2026-03-01T00:00:00Z"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d (%s)", resp.StatusCode, body)
	}
	var created schema.Transaction
	if err := json.Unmarshal([]byte(body), &created); err != nil {
		t.Fatal(err)
	}

	resp, _ = f.request(t, http.MethodGet, "/api/transactions/"+created.ID, bob.Token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("bob reading alice's transaction = %d, want 404", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodDelete, "/api/transactions/"+created.ID, bob.Token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("bob deleting alice's transaction = %d, want 404", resp.StatusCode)
	}

	resp, body = f.request(t, http.MethodPut, "/api/transactions/"+created.ID, alice.Token,
		`{"amount":"20.00","type":"expense","category":"food","date":"2026-03-01T00:00:00Z"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update = %d (%s)", resp.StatusCode, body)
	}
	resp, body = f.request(t, http.MethodGet, "/api/users/balance", alice.Token, "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"-20.00"`) {
		t.Errorf("alice balance = %d %s, want -20.00", resp.StatusCode, body)
	}

	resp, body = f.request(t, http.MethodGet, "/api/transactions", bob.Token, "")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Errorf("bob list = %d %s, want []", resp.StatusCode, body)
	}
}

func TestSanitizesDescriptions(t *testing.T) {
	f := setupServer(t, Options{})
	reg := f.register(t, "a@example.com")

	resp, body := f.request(t, http.MethodPost, "/api/transactions", reg.Token,
		`{"amount":"1.00","type":"expense","category":"food","date":"2026-03-01T00:00:00Z","description":"<script>alert(1)</script>Lunch & drinks"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d (%s)", resp.StatusCode, body)
	}
	var created schema.Transaction
	json.Unmarshal([]byte(body), &created)
	if created.Description != "Lunch & drinks" {
		t.Errorf("description = %q, want %q", created.Description, "Lunch & drinks")
	}

	item := pushItem("2.00", schema.Expense, "food", "local-x")
	item.Description = `<b>Coffee</b> "to go"`
	push, err := f.client.Push(context.Background(), reg.Token, schema.PushRequest{Transactions: []schema.PushItem{item}})
	if err != nil {
		t.Fatal(err)
	}
	if got := push.Results.Success[0].Description; got != `Coffee "to go"` {
		t.Errorf("pushed description = %q", got)
	}

	// Entity-encoded markup stays encoded.
	encoded := "&lt;script&gt;alert(1)&lt;/script&gt;"
	item = pushItem("3.00", schema.Expense, "food", "local-y")
	item.Description = encoded
	push, err = f.client.Push(context.Background(), reg.Token, schema.PushRequest{Transactions: []schema.PushItem{item}})
	if err != nil {
		t.Fatal(err)
	}
	got := push.Results.Success[0].Description
	if strings.Contains(got, "<") {
		t.Errorf("pushed description = %q, markup decoded into the stored text", got)
	}
	if got != encoded {
		t.Errorf("pushed description = %q, want %q", got, encoded)
	}
}

func TestPush_AcceptsUnderscoreID(t *testing.T) {
	f := setupServer(t, Options{})
	reg := f.register(t, "a@example.com")
	ctx := context.Background()

	push, err := f.client.Push(ctx, reg.Token, schema.PushRequest{Transactions: []schema.PushItem{
		pushItem("40.00", schema.Expense, "food", "local-1"),
	}})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	id := push.Results.Success[0].ID

	for _, key := range []string{"_id", "id"} {
		t.Run(key, func(t *testing.T) {
			body := `{"lastSyncTimestamp":0,"transactions":[{"` + key + `":"` + id +
				`","amount":"99.00","type":"expense","category":"food","date":"2026-03-15T00:00:00Z"}]}`
			resp, data := f.request(t, http.MethodPost, "/api/sync/push", reg.Token, body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("push = %d (%s)", resp.StatusCode, data)
			}
			var out schema.PushResponse
			if err := json.Unmarshal([]byte(data), &out); err != nil {
				t.Fatal(err)
			}
			if len(out.Results.Conflicts) != 1 || len(out.Results.Success) != 0 {
				t.Errorf("results = %+v, want the known id reported as a conflict", out.Results)
			}
			if out.Balance.String() != "-40.00" {
				t.Errorf("balance = %s, want -40.00", out.Balance)
			}
		})
	}

	list, err := f.store.Transactions(ctx, reg.User.ID)
	if err != nil {
		t.Fatalf("Transactions() failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("server rows = %d, want 1", len(list))
	}
}

func TestSettings(t *testing.T) {
	f := setupServer(t, Options{})
	reg := f.register(t, "a@example.com")

	got, err := f.client.PutSettings(context.Background(), reg.Token, json.RawMessage(`{"currency":"PLN"}`))
	if err != nil {
		t.Fatalf("PutSettings failed: %v", err)
	}
	if string(got) != `{"currency":"PLN"}` {
		t.Errorf("settings = %s", got)
	}

	resp, _ := f.request(t, http.MethodPut, "/api/users/settings", reg.Token, `{"settings":[1,2]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("array settings = %d, want 400", resp.StatusCode)
	}
}

func TestNews(t *testing.T) {
	f := setupServer(t, Options{})
	reg := f.register(t, "a@example.com")

	resp, err := f.client.News(context.Background(), reg.Token)
	if err != nil {
		t.Fatalf("News failed: %v", err)
	}
	if !resp.Degraded || len(resp.Articles) == 0 {
		t.Errorf("news without a feed = %+v, want degraded samples", resp)
	}
}

func TestRateLimit(t *testing.T) {
	f := setupServer(t, Options{RateLimit: 0.001, RateBurst: 2})
	var last int
	for i := 0; i < 3; i++ {
		resp, _ := f.request(t, http.MethodGet, "/health", "", "")
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", last)
	}
}

func TestCORS(t *testing.T) {
	f := setupServer(t, Options{CORSOrigins: []string{"https://app.example.com"}})

	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/sync/pull", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin = %q", got)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unknown origin allowed: %q", got)
	}
}

func TestWebSocketReceivesLedgerChanges(t *testing.T) {
	f := setupServer(t, Options{})
	reg := f.register(t, "a@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := make(chan notify.Message, 8)
	go notify.Subscribe(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", reg.Token, func(m notify.Message) {
		msgs <- m
	})

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.ClientCount(reg.User.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err := f.client.Push(ctx, reg.Token, schema.PushRequest{Transactions: []schema.PushItem{
		pushItem("10.00", schema.Income, "salary", "local-ws"),
	}})
	if err != nil {
		t.Fatal(err)
	}

	for {
		select {
		case m := <-msgs:
			if m.Type != notify.MessageLedgerChanged {
				continue
			}
			var data notify.LedgerChanged
			json.Unmarshal(m.Data, &data)
			if data.Source != "push" || data.Balance.String() != "10.00" {
				t.Errorf("ledger_changed = %+v", data)
			}
			return
		case <-time.After(2 * time.Second):
			t.Fatal("no ledger_changed message")
		}
	}
}
