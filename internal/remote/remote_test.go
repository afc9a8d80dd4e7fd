package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/sync"
)

func TestPull_SendsCursorAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync/pull" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("lastSyncTimestamp"); got != "1234" {
			t.Errorf("lastSyncTimestamp = %q, want 1234", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(schema.PullResponse{
			Timestamp: 5000,
			Balance:   money.MustParse("12.34"),
		})
	}))
	defer srv.Close()

	resp, err := New(srv.URL).Pull(context.Background(), "tok", 1234)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if resp.Timestamp != 5000 || resp.Balance.String() != "12.34" {
		t.Errorf("Pull() = %+v", resp)
	}
}

func TestPush_EncodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req schema.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if len(req.Transactions) != 1 || req.Transactions[0].ClientRef != "local-1" || req.LastSyncTimestamp != 7 {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(schema.PushResponse{Timestamp: 8})
	}))
	defer srv.Close()

	req := schema.PushRequest{
		Transactions: []schema.PushItem{{
			ClientRef: "local-1",
			Amount:    money.MustParse("1"),
			Type:      schema.Income,
			Category:  "gift",
			Date:      time.Now(),
		}},
		LastSyncTimestamp: 7,
	}
	resp, err := New(srv.URL).Push(context.Background(), "tok", req)
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if resp.Timestamp != 8 {
		t.Errorf("timestamp = %d, want 8", resp.Timestamp)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, sync.ErrUnauthorized},
		{http.StatusForbidden, sync.ErrUnauthorized},
		{http.StatusNotFound, sync.ErrNotFound},
		{http.StatusInternalServerError, sync.ErrServer},
		{http.StatusServiceUnavailable, sync.ErrServer},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(schema.ErrorResponse{Error: "nope"})
			}))
			defer srv.Close()

			_, err := New(srv.URL).Delete(context.Background(), "tok", "abc")
			if !errors.Is(err, tt.want) {
				t.Errorf("Delete() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStatusMapping_OtherClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(schema.ErrorResponse{Error: "invalid lastSyncTimestamp"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).Pull(context.Background(), "tok", 0)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("Pull() error = %v, want StatusError 400", err)
	}
	if se.Message != "invalid lastSyncTimestamp" {
		t.Errorf("message = %q", se.Message)
	}
	if sync.IsRetryable(err) || sync.IsFatal(err) {
		t.Errorf("400 classified as retryable or fatal")
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, WithTimeout(time.Second)).Balance(context.Background(), "tok")
	if !errors.Is(err, sync.ErrNetwork) || !sync.IsRetryable(err) {
		t.Errorf("Balance() error = %v, want retryable ErrNetwork", err)
	}
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/login" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("login sent an Authorization header")
		}
		_ = json.NewEncoder(w).Encode(schema.AuthResponse{Token: "jwt", User: schema.User{ID: "u1"}})
	}))
	defer srv.Close()

	resp, err := New(srv.URL+"/").Login(context.Background(), schema.Credentials{Email: "a@b.c", Password: "pw"})
	if err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if resp.Token != "jwt" || resp.User.ID != "u1" {
		t.Errorf("Login() = %+v", resp)
	}
}
