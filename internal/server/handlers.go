package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"

	"github.com/fintrack/fintrack/internal/auth"
	"github.com/fintrack/fintrack/internal/ledger"
	"github.com/fintrack/fintrack/internal/logging"
	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/notify"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/go-chi/chi/v5"
)

// MinPasswordLen is the shortest password register accepts.
const MinPasswordLen = 6

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds schema.Credentials
	if err := decode(w, r, &creds); err != nil {
		fail(w, r, err)
		return
	}
	creds.Email = strings.TrimSpace(creds.Email)
	if !strings.Contains(creds.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(creds.Password) < MinPasswordLen {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("password must be at least %d characters", MinPasswordLen))
		return
	}

	hash, err := auth.HashPassword(creds.Password, s.opts.BcryptCost)
	if err != nil {
		fail(w, r, err)
		return
	}
	user, err := s.ledger.CreateUser(r.Context(), creds.Email, hash, s.clean(creds.Name))
	if err != nil {
		fail(w, r, err)
		return
	}
	token, err := s.issuer.Issue(user.ID, user.Email)
	if err != nil {
		fail(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("user registered", "userID", user.ID)
	writeJSON(w, http.StatusCreated, schema.AuthResponse{Token: token, User: *user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds schema.Credentials
	if err := decode(w, r, &creds); err != nil {
		fail(w, r, err)
		return
	}

	rec, err := s.ledger.UserByEmail(r.Context(), creds.Email)
	if errors.Is(err, ledger.ErrNotFound) {
		// Same answer as a wrong password.
		err = auth.ErrInvalidCredentials
	}
	if err == nil {
		err = auth.CheckPassword(rec.PasswordHash, creds.Password)
	}
	if err != nil {
		fail(w, r, err)
		return
	}

	token, err := s.issuer.Issue(rec.ID, rec.Email)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema.AuthResponse{Token: token, User: rec.User})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.UserByID(r.Context(), userFrom(r.Context()))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "user no longer exists")
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"isValid": true, "user": rec.User})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var cursor int64
	if raw := r.URL.Query().Get("lastSyncTimestamp"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "lastSyncTimestamp must be a non-negative integer")
			return
		}
		cursor = v
	}

	resp, err := s.ledger.Pull(r.Context(), userFrom(r.Context()), cursor)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var batch schema.PushBatch
	if err := decode(w, r, &batch); err != nil {
		fail(w, r, err)
		return
	}
	for i, raw := range batch.Transactions {
		batch.Transactions[i] = s.cleanRawItem(raw)
	}

	userID := userFrom(r.Context())
	resp, err := s.ledger.ProcessPush(r.Context(), userID, batch)
	if err != nil {
		fail(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("push processed",
		"items", len(batch.Transactions),
		"success", len(resp.Results.Success),
		"conflicts", len(resp.Results.Conflicts),
		"errors", len(resp.Results.Errors))
	if len(resp.Results.Success) > 0 {
		s.publish(userID, "push", resp.Balance)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req schema.SettingsRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	userID := userFrom(r.Context())
	settings, err := s.ledger.ReplaceSettings(r.Context(), userID, req.Settings)
	if err != nil {
		fail(w, r, err)
		return
	}
	if balance, err := s.ledger.Balance(r.Context(), userID); err == nil {
		s.publish(userID, "settings", balance)
	}
	writeJSON(w, http.StatusOK, schema.SettingsRequest{Settings: settings})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.Transactions(r.Context(), userFrom(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []schema.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ledger.Transaction(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var item schema.PushItem
	if err := decode(w, r, &item); err != nil {
		fail(w, r, err)
		return
	}
	item.Description = s.clean(item.Description)

	userID := userFrom(r.Context())
	created, balance, err := s.ledger.CreateTransaction(r.Context(), userID, item)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.publish(userID, "create", balance)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var item schema.PushItem
	if err := decode(w, r, &item); err != nil {
		fail(w, r, err)
		return
	}
	item.Description = s.clean(item.Description)

	userID := userFrom(r.Context())
	updated, balance, err := s.ledger.UpdateTransaction(r.Context(), userID, chi.URLParam(r, "id"), item)
	if err != nil {
		fail(w, r, err)
		return
	}
	s.publish(userID, "update", balance)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	balance, err := s.ledger.DeleteTransaction(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	s.publish(userID, "delete", balance)
	writeJSON(w, http.StatusOK, schema.DeleteResponse{Message: "transaction deleted", Balance: balance})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.ledger.Categories(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.Balance(r.Context(), userFrom(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema.BalanceResponse{Balance: balance})
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.news.Articles(r.Context()))
}

func (s *Server) publish(userID, source string, balance money.Amount) {
	if s.hub != nil {
		s.hub.Publish(userID, notify.NewLedgerChanged(source, balance))
	}
}

// clean strips markup from free text. Text without markup is returned
// unchanged, so plain ampersands and quotes survive. The sanitized text is
// unescaped only when that cannot bring markup back, as it would for
// "&lt;script&gt;".
func (s *Server) clean(text string) string {
	sanitized := s.sanitize.Sanitize(text)
	plain := html.UnescapeString(sanitized)
	if plain == text {
		return text
	}
	if html.UnescapeString(s.sanitize.Sanitize(plain)) != plain {
		return strings.TrimSpace(sanitized)
	}
	return strings.TrimSpace(plain)
}

// cleanRawItem sanitizes the description of a raw push item, leaving every
// other field byte for byte. Items that do not decode are returned as is
// and rejected by the ledger.
func (s *Server) cleanRawItem(raw json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	var desc string
	if err := json.Unmarshal(fields["description"], &desc); err != nil {
		return raw
	}
	cleaned := s.clean(desc)
	if cleaned == desc {
		return raw
	}
	fields["description"], _ = json.Marshal(cleaned)
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}
