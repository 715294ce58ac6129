package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HandleSocialOAuthStart initiates the OAuth consent flow for the social
// destination by redirecting to the provider's authorize page.
func (h *Handlers) HandleSocialOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.social == nil {
		http.Error(w, "social destination not configured (need SOCIAL_CLIENT_ID + SOCIAL_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	// generate state
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", 500)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(10*time.Minute))
	http.Redirect(w, r, h.social.AuthCodeURL(st), http.StatusFound)
}

// HandleSocialOAuthCallback completes the consent flow and stores tokens.
func (h *Handlers) HandleSocialOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.social == nil {
		http.Error(w, "social destination not configured", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", 400)
		return
	}
	tok, err := h.social.Exchange(r.Context(), code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":                "ok",
		"expiry":                tok.Expiry,
		"access_token_present":  tok.AccessToken != "",
		"refresh_token_present": tok.RefreshToken != "",
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
