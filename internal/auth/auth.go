// Package auth resolves the credentials attached to upstream requests.
//
// Resolution order is fixed: credentials supplied by the caller are forwarded
// untouched; otherwise a statically configured key is used; otherwise stored
// OAuth tokens are loaded from disk and refreshed when close to expiry. The
// gateway never invents credentials and never rewrites ones the caller sent.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// anthropicVersionDefault is sent when the caller did not pin a version.
	anthropicVersionDefault = "2023-06-01"
	// refreshMargin refreshes stored tokens this long before they expire.
	refreshMargin = 5 * time.Minute
)

// HeaderStyle selects the credential header convention of an upstream.
type HeaderStyle int

const (
	// StyleAnthropic sends x-api-key plus anthropic-version.
	StyleAnthropic HeaderStyle = iota
	// StyleBearer sends Authorization: Bearer.
	StyleBearer
)

// StoredTokens is the token set persisted in the credential file.
type StoredTokens struct {
	IDToken      string `json:"id_token,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

// CredentialFile is the full on-disk credential format.
type CredentialFile struct {
	Tokens      StoredTokens `json:"tokens"`
	LastRefresh string       `json:"last_refresh,omitempty"`
}

// ReadCredentialFile loads stored credentials from path.
func ReadCredentialFile(path string) (*CredentialFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cf CredentialFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("unable to parse credential file %s: %w", path, err)
	}
	return &cf, nil
}

// WriteCredentialFile persists credentials to path with 0600 permissions.
func WriteCredentialFile(path string, cf *CredentialFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// NewOAuth2Config creates the oauth2.Config used to refresh stored Codex
// tokens. AuthStyleInParams matches the token endpoint, which rejects HTTP
// basic client authentication for public clients.
func NewOAuth2Config(clientID, issuer string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   issuer + "/oauth/authorize",
			TokenURL:  issuer + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"openid", "profile", "email", "offline_access"},
	}
}

// Manager resolves upstream credentials, thread-safe across requests.
type Manager struct {
	mu sync.Mutex

	anthropicKey string
	bearerToken  string

	credPath string
	oauthCfg *oauth2.Config
}

// NewManager creates a Manager. anthropicKey and bearerToken are the static
// fallback credentials per header style; credPath is the stored OAuth
// credential file used when no static bearer token is configured. Any of the
// three may be empty.
func NewManager(anthropicKey, bearerToken, credPath string, oauthCfg *oauth2.Config) *Manager {
	return &Manager{
		anthropicKey: anthropicKey,
		bearerToken:  bearerToken,
		credPath:     credPath,
		oauthCfg:     oauthCfg,
	}
}

// Apply sets credential headers on out for the given upstream style. Inbound
// caller credentials take precedence and are forwarded verbatim.
func (m *Manager) Apply(ctx context.Context, out, inbound http.Header, style HeaderStyle) error {
	switch style {
	case StyleAnthropic:
		if v := inbound.Get("x-api-key"); v != "" {
			out.Set("x-api-key", v)
		} else if v := inbound.Get("Authorization"); v != "" {
			out.Set("Authorization", v)
		} else if m.anthropicKey != "" {
			out.Set("x-api-key", m.anthropicKey)
		} else {
			return ErrNoCredentials
		}
		version := inbound.Get("anthropic-version")
		if version == "" {
			version = anthropicVersionDefault
		}
		out.Set("anthropic-version", version)
		if beta := inbound.Get("anthropic-beta"); beta != "" {
			out.Set("anthropic-beta", beta)
		}
		return nil

	case StyleBearer:
		if v := inbound.Get("Authorization"); v != "" {
			out.Set("Authorization", v)
			return nil
		}
		if m.bearerToken != "" {
			out.Set("Authorization", "Bearer "+m.bearerToken)
			return nil
		}
		token, accountID, err := m.storedToken(ctx)
		if err != nil {
			return err
		}
		out.Set("Authorization", "Bearer "+token)
		if accountID != "" {
			out.Set("chatgpt-account-id", accountID)
		}
		return nil
	}
	return fmt.Errorf("unknown header style %d", style)
}

// storedToken loads the credential file and refreshes the access token when
// it is missing or within refreshMargin of expiry. Refreshed tokens are
// persisted back to disk; a failed write is logged but does not fail the
// request, since the in-memory token is still usable.
func (m *Manager) storedToken(ctx context.Context) (accessToken, accountID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.credPath == "" {
		return "", "", ErrNoCredentials
	}
	cf, err := ReadCredentialFile(m.credPath)
	if err != nil {
		return "", "", ErrNoCredentials
	}

	accessToken = cf.Tokens.AccessToken
	accountID = cf.Tokens.AccountID

	if m.oauthCfg != nil && cf.Tokens.RefreshToken != "" && m.needsRefresh(accessToken) {
		src := m.oauthCfg.TokenSource(ctx, &oauth2.Token{
			RefreshToken: cf.Tokens.RefreshToken,
		})
		tok, refreshErr := src.Token()
		if refreshErr != nil {
			slog.Error("token refresh failed", "error", refreshErr)
			if accessToken == "" {
				return "", "", ErrNoCredentials
			}
		} else {
			accessToken = tok.AccessToken
			cf.Tokens.AccessToken = tok.AccessToken
			if tok.RefreshToken != "" {
				cf.Tokens.RefreshToken = tok.RefreshToken
			}
			if id, ok := tok.Extra("id_token").(string); ok && id != "" {
				cf.Tokens.IDToken = id
			}
			cf.LastRefresh = time.Now().UTC().Format(time.RFC3339)
			if aid := accountIDFromToken(cf.Tokens.IDToken); aid != "" {
				accountID = aid
				cf.Tokens.AccountID = aid
			}
			if writeErr := WriteCredentialFile(m.credPath, cf); writeErr != nil {
				slog.Error("unable to persist refreshed tokens", "error", writeErr)
			}
		}
	}

	if accessToken == "" {
		return "", "", ErrNoCredentials
	}
	if accountID == "" {
		accountID = accountIDFromToken(cf.Tokens.IDToken)
	}
	return accessToken, accountID, nil
}

func (m *Manager) needsRefresh(accessToken string) bool {
	if accessToken == "" {
		return true
	}
	exp := tokenExpiry(accessToken)
	if exp.IsZero() {
		return false
	}
	return time.Until(exp) <= refreshMargin
}
