// Package meta wraps the Meta Graph API surface used by the WhatsApp
// integration: OAuth token exchange, WABA discovery/creation, and phone
// number management.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Client is a Graph API client. The base URL is configurable so tests can
// point it at a local server.
type Client struct {
	baseURL     string // e.g. "https://graph.facebook.com"
	version     string // e.g. "v19.0"
	appID       string
	appSecret   string
	redirectURL string
	scopes      []string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a Graph API client.
func NewClient(baseURL, version, appID, appSecret, redirectURL string, scopes []string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		version:     version,
		appID:       appID,
		appSecret:   appSecret,
		redirectURL: redirectURL,
		scopes:      scopes,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
	}
}

// oauthConfig builds the oauth2 configuration for the Facebook login dialog.
func (c *Client) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.appID,
		ClientSecret: c.appSecret,
		RedirectURL:  c.redirectURL,
		Scopes:       c.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://www.facebook.com/" + c.version + "/dialog/oauth",
			TokenURL: c.baseURL + "/" + c.version + "/oauth/access_token",
		},
	}
}

// AuthCodeURL returns the OAuth dialog URL carrying the signed state.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauthConfig().AuthCodeURL(state)
}

// ExchangeCode converts an authorization code into a short-lived access token.
// Failure is fatal for the current connect attempt.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauthConfig().Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return tok, nil
}

// UpgradeToLongLived exchanges a short-lived token for a long-lived one.
// Callers treat failure as non-fatal and keep the short-lived token.
func (c *Client) UpgradeToLongLived(ctx context.Context, shortToken string) (*oauth2.Token, error) {
	q := url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {c.appID},
		"client_secret":     {c.appSecret},
		"fb_exchange_token": {shortToken},
	}

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.get(ctx, "/oauth/access_token?"+q.Encode(), "", &out); err != nil {
		return nil, fmt.Errorf("upgrading to long-lived token: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken: out.AccessToken,
		TokenType:   out.TokenType,
	}
	if out.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// Businesses lists the business groupings the token's user belongs to.
func (c *Client) Businesses(ctx context.Context, token string) ([]Business, error) {
	var out listEnvelope[Business]
	if err := c.get(ctx, "/me/businesses", token, &out); err != nil {
		return nil, fmt.Errorf("listing businesses: %w", err)
	}
	return out.Data, nil
}

// OwnedWABAs lists WABAs owned by the given business.
func (c *Client) OwnedWABAs(ctx context.Context, businessID, token string) ([]WABA, error) {
	var out listEnvelope[WABA]
	if err := c.get(ctx, "/"+businessID+"/owned_whatsapp_business_accounts", token, &out); err != nil {
		return nil, fmt.Errorf("listing owned WABAs: %w", err)
	}
	return out.Data, nil
}

// ClientWABAs lists WABAs shared with the given business as a client.
func (c *Client) ClientWABAs(ctx context.Context, businessID, token string) ([]WABA, error) {
	var out listEnvelope[WABA]
	if err := c.get(ctx, "/"+businessID+"/client_whatsapp_business_accounts", token, &out); err != nil {
		return nil, fmt.Errorf("listing client WABAs: %w", err)
	}
	return out.Data, nil
}

// PagesWABA looks for a WABA connected to any of the user's page-level assets.
func (c *Client) PagesWABA(ctx context.Context, token string) ([]WABA, error) {
	var out listEnvelope[struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		ConnectedWABA *WABA  `json:"connected_whatsapp_business_account"`
	}]
	if err := c.get(ctx, "/me/accounts?fields=id,name,connected_whatsapp_business_account", token, &out); err != nil {
		return nil, fmt.Errorf("listing page assets: %w", err)
	}

	var wabas []WABA
	for _, page := range out.Data {
		if page.ConnectedWABA != nil && page.ConnectedWABA.ID != "" {
			wabas = append(wabas, *page.ConnectedWABA)
		}
	}
	return wabas, nil
}

// CreateClientWABA creates a WABA under the BSP business on behalf of the
// tenant's business.
func (c *Client) CreateClientWABA(ctx context.Context, bspBusinessID, tenantBusinessID, token string) (WABA, error) {
	body := map[string]string{
		"on_behalf_of_business_id": tenantBusinessID,
	}
	var out WABA
	if err := c.post(ctx, "/"+bspBusinessID+"/client_whatsapp_business_accounts", token, body, &out); err != nil {
		return WABA{}, fmt.Errorf("creating client WABA: %w", err)
	}
	return out, nil
}

// CreateSharedWABA creates a WABA owned by the BSP business and named after
// the tenant, for later sharing.
func (c *Client) CreateSharedWABA(ctx context.Context, bspBusinessID, name, token string) (WABA, error) {
	body := map[string]string{
		"name": name,
	}
	var out WABA
	if err := c.post(ctx, "/"+bspBusinessID+"/owned_whatsapp_business_accounts", token, body, &out); err != nil {
		return WABA{}, fmt.Errorf("creating shared WABA: %w", err)
	}
	return out, nil
}

// PhoneNumbers lists the phone numbers attached to a WABA.
func (c *Client) PhoneNumbers(ctx context.Context, wabaID, token string) ([]PhoneNumber, error) {
	var out listEnvelope[PhoneNumber]
	path := "/" + wabaID + "/phone_numbers?fields=id,display_phone_number,verified_name,quality_rating,code_verification_status"
	if err := c.get(ctx, path, token, &out); err != nil {
		return nil, fmt.Errorf("listing phone numbers: %w", err)
	}
	return out.Data, nil
}

// RegisterPhone attaches a new phone number to the WABA and triggers delivery
// of a verification code via the chosen method.
func (c *Client) RegisterPhone(ctx context.Context, wabaID, countryCode, number string, method VerifyMethod, token string) (string, error) {
	body := map[string]string{
		"cc":           countryCode,
		"phone_number": number,
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/"+wabaID+"/phone_numbers", token, body, &created); err != nil {
		return "", fmt.Errorf("registering phone number: %w", err)
	}

	codeReq := map[string]string{
		"code_method": string(method),
		"language":    "en_US",
	}
	var ok struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, "/"+created.ID+"/request_code", token, codeReq, &ok); err != nil {
		return created.ID, fmt.Errorf("requesting verification code: %w", err)
	}
	return created.ID, nil
}

// ConfirmCode submits the verification code for a phone number.
func (c *Client) ConfirmCode(ctx context.Context, phoneNumberID, code, token string) error {
	body := map[string]string{"code": code}
	var ok struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, "/"+phoneNumberID+"/verify_code", token, body, &ok); err != nil {
		return fmt.Errorf("confirming verification code: %w", err)
	}
	if !ok.Success {
		return fmt.Errorf("verification code rejected")
	}
	return nil
}

// --- transport ---

func (c *Client) get(ctx context.Context, path, token string, dst any) error {
	return c.do(ctx, http.MethodGet, path, token, nil, dst)
}

func (c *Client) post(ctx context.Context, path, token string, body, dst any) error {
	return c.do(ctx, http.MethodPost, path, token, body, dst)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, dst any) error {
	u := c.baseURL + "/" + c.version + path

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling graph api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env errorEnvelope
		if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
			env.Error.Status = resp.StatusCode
			return &env.Error
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
