package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/crosspost/backend/config"
	"github.com/onnwee/crosspost/backend/db"
	"github.com/onnwee/crosspost/backend/post"
)

// SocialDestination is the registry key for the social network API.
const SocialDestination = "social"

// socialBodyLimit is the destination's maximum post length. Unlike chat
// webhooks, over-length social posts are rejected outright: silent
// truncation would change the author's words on a public profile.
const socialBodyLimit = 3000

const socialProvider = "social"

// SocialAdapter publishes posts to an OAuth2-protected social network API.
// Media attachments go through the three-phase upload protocol (register,
// transfer, attach) before the publish call references them.
type SocialAdapter struct {
	cfg     *config.Config
	oauth   *oauth2.Config
	tokens  db.TokenStore
	http    *http.Client
	limiter *post.Limiter
	media   *Orchestrator
}

// NewSocialAdapter wires the adapter to the shared token store and rate
// limiter. The limiter keys used are "social:publish" and "social:upload".
func NewSocialAdapter(cfg *config.Config, tokens db.TokenStore, limiter *post.Limiter) *SocialAdapter {
	a := &SocialAdapter{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.SocialClientID,
			ClientSecret: cfg.SocialClientSecret,
			RedirectURL:  cfg.SocialRedirectURI,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.SocialTokenURL},
		},
		tokens:  tokens,
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: limiter,
	}
	a.media = &Orchestrator{Transport: &socialUploadTransport{adapter: a}, DataDir: cfg.DataDir}
	return a
}

func (a *SocialAdapter) Destination() string { return SocialDestination }

// AuthCodeURL starts the operator-driven OAuth consent flow.
func (a *SocialAdapter) AuthCodeURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange completes the consent flow and persists the token.
func (a *SocialAdapter) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := a.tokens.UpsertOAuthToken(ctx, socialProvider, tok.AccessToken, tok.RefreshToken, tok.Expiry, ""); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	return tok, nil
}

// token returns a live access token, refreshing and re-persisting it when
// expiry is near.
func (a *SocialAdapter) token(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, _, err := a.tokens.GetOAuthToken(ctx, socialProvider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, fmt.Errorf("no social token stored")
	}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}
	if tok.Expiry.IsZero() || time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	newTok, err := a.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return tok, err
	}
	_ = a.tokens.UpsertOAuthToken(ctx, socialProvider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "")
	return newTok, nil
}

// socialPayload is the publish wire shape. ClientRequestID carries the
// dedupe key so the destination can collapse a retried publish whose first
// response was lost.
type socialPayload struct {
	Author          string   `json:"author"`
	Text            string   `json:"text"`
	Visibility      string   `json:"visibility"`
	MediaAssets     []string `json:"media_assets,omitempty"`
	ClientRequestID string   `json:"client_request_id"`
}

// Format renders an item into the publish payload. Over-length bodies are
// rejected with a permanent error. Pure apart from the error value.
func (a *SocialAdapter) Format(item post.Item) (socialPayload, error) {
	if runes := []rune(item.Body); len(runes) > socialBodyLimit {
		return socialPayload{}, post.Permanent(fmt.Errorf("body length %d exceeds destination limit %d", len(runes), socialBodyLimit))
	}
	author := item.AuthorRef
	if author == "" {
		author = a.cfg.SocialAuthorRef
	}
	visibility := "PUBLIC"
	if item.Visibility == post.VisibilityConnections {
		visibility = "CONNECTIONS"
	}
	return socialPayload{
		Author:          author,
		Text:            item.Body,
		Visibility:      visibility,
		ClientRequestID: item.DedupeKey,
	}, nil
}

// Publish formats the item, resolves media through the upload protocol, and
// performs the publish call. Every failure leaves here classified.
func (a *SocialAdapter) Publish(ctx context.Context, item post.Item) (string, error) {
	grant, err := a.limiter.TryAcquire(ctx, "social:publish")
	if err != nil {
		return "", post.Transient(fmt.Errorf("rate limiter: %w", err))
	}
	if !grant.Allowed {
		return "", &post.RateLimitError{RetryAfter: grant.RetryAfter}
	}

	payload, err := a.Format(item)
	if err != nil {
		return "", err
	}

	assets, err := a.media.ResolveMedia(ctx, item.MediaRefs)
	if err != nil {
		// Orchestrator errors are already classified by the transport;
		// local file errors fall through as transient by default.
		return "", err
	}
	for _, asset := range assets {
		payload.MediaAssets = append(payload.MediaAssets, asset.ID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", post.Permanent(fmt.Errorf("encode payload: %w", err))
	}
	resp, err := a.do(ctx, http.MethodPost, a.cfg.SocialAPIBase+"/v1/posts", bytes.NewReader(body), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", post.ClassifyStatus(resp.StatusCode, parseRetryAfter(resp))
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", post.Transient(fmt.Errorf("decode publish response: %w", err))
	}
	if res.ID == "" {
		return "", post.Transient(fmt.Errorf("publish response missing id"))
	}
	return res.ID, nil
}

// do issues an authenticated request and classifies transport failures.
// HTTP status handling stays with the caller.
func (a *SocialAdapter) do(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Response, error) {
	tok, err := a.token(ctx)
	if err != nil {
		return nil, post.Transient(fmt.Errorf("social token: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, post.Permanent(fmt.Errorf("build request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, post.ClassifyTransport(err)
	}
	return resp, nil
}

// socialUploadTransport implements the register/transfer half of the upload
// protocol against the social API.
type socialUploadTransport struct {
	adapter *SocialAdapter
}

func (t *socialUploadTransport) Register(ctx context.Context, size int64, kind string) (string, string, error) {
	grant, err := t.adapter.limiter.TryAcquire(ctx, "social:upload")
	if err != nil {
		return "", "", post.Transient(fmt.Errorf("rate limiter: %w", err))
	}
	if !grant.Allowed {
		return "", "", &post.RateLimitError{RetryAfter: grant.RetryAfter}
	}

	body, _ := json.Marshal(map[string]any{"size": size, "kind": kind})
	resp, err := t.adapter.do(ctx, http.MethodPost, t.adapter.cfg.SocialAPIBase+"/v1/uploads/register", bytes.NewReader(body), "application/json")
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", "", post.ClassifyStatus(resp.StatusCode, parseRetryAfter(resp))
	}
	var res struct {
		UploadURL string `json:"upload_url"`
		AssetID   string `json:"asset_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", "", post.Transient(fmt.Errorf("decode register response: %w", err))
	}
	if res.UploadURL == "" || res.AssetID == "" {
		return "", "", post.Transient(fmt.Errorf("register response missing upload target"))
	}
	return res.UploadURL, res.AssetID, nil
}

func (t *socialUploadTransport) Transfer(ctx context.Context, uploadURL string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return post.Permanent(fmt.Errorf("build upload request: %w", err))
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	tok, err := t.adapter.token(ctx)
	if err != nil {
		return post.Transient(fmt.Errorf("social token: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := t.adapter.http.Do(req)
	if err != nil {
		return post.ClassifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return post.ClassifyStatus(resp.StatusCode, parseRetryAfter(resp))
	}
	return nil
}
