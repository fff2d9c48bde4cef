package msauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// scopes requested on every grant; offline_access yields the refresh token
var scopes = []string{
	"offline_access",
	"https://graph.microsoft.com/User.Read",
	"https://graph.microsoft.com/Mail.Read",
	"https://graph.microsoft.com/Mail.Send",
}

// State is the payload carried through the OAuth round trip inside the
// opaque state parameter, binding the callback to the account that started
// the flow. The nonce makes the value unguessable.
type State struct {
	AccountID int64  `json:"accountId"`
	Nonce     string `json:"nonce"`
}

// Authenticator builds authorization URLs and exchanges codes and refresh
// tokens against the identity platform.
type Authenticator struct {
	conf *oauth2.Config
}

// New creates an authenticator for the given app registration
func New(clientID, clientSecret, tenant, redirectURL string) *Authenticator {
	return &Authenticator{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
	}
}

// AuthURL returns a fresh authorization URL carrying the account id in the
// state parameter
func (a *Authenticator) AuthURL(accountID int64) (string, error) {
	state, err := EncodeState(accountID)
	if err != nil {
		return "", err
	}
	return a.conf.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for a token
func (a *Authenticator) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := a.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return tok, nil
}

// Refresh performs the refresh-token exchange and returns the replacement
// token
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := a.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return tok, nil
}

// EncodeState packs an account id and a random nonce into an opaque
// base64url state value
func EncodeState(accountID int64) (string, error) {
	payload, err := json.Marshal(State{
		AccountID: accountID,
		Nonce:     uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// DecodeState unpacks a state value produced by EncodeState
func DecodeState(raw string) (*State, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if state.AccountID <= 0 || state.Nonce == "" {
		return nil, fmt.Errorf("state missing account id or nonce")
	}
	return &state, nil
}
