// Package auth is the boundary to the login collaborator that owns the
// per-account credential material. The token provider consumes only the
// Manager interface; DirManager is the file-backed implementation over
// the per-account directory layout the login flow produces.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/codexmgr/codexmgr/pkg/logging"
)

var logger = logging.New("auth")

// ErrMissingCredentials marks an account with no usable credential
// material on disk.
var ErrMissingCredentials = errors.New("missing account credentials")

// TokenData is the credential material exposed to the token provider.
type TokenData struct {
	AccessToken string
	IDToken     IDToken
}

// IDToken carries the identity claims the gateway forwards upstream.
type IDToken struct {
	ChatGPTAccountID string
}

// Auth is one snapshot of an account's credentials.
type Auth struct {
	tokenData TokenData
}

// TokenData returns the credential material backing this snapshot.
func (a *Auth) TokenData() TokenData {
	return a.tokenData
}

// NewStaticAuth builds an Auth snapshot directly from token material,
// for in-memory collaborators and tests.
func NewStaticAuth(accessToken, chatGPTAccountID string) *Auth {
	return &Auth{tokenData: TokenData{
		AccessToken: accessToken,
		IDToken:     IDToken{ChatGPTAccountID: chatGPTAccountID},
	}}
}

// Manager is the collaborator interface: read the current credentials,
// or refresh them against the identity provider.
type Manager interface {
	// Auth returns the current credentials, or nil when the account has
	// none on disk.
	Auth(ctx context.Context) (*Auth, error)

	// RefreshToken exchanges the stored refresh token for fresh access
	// credentials and persists them.
	RefreshToken(ctx context.Context) error
}

const authFileName = "auth.json"

// authDotJSON mirrors the on-disk layout written by the login flow.
type authDotJSON struct {
	Tokens struct {
		IDToken      string `json:"id_token"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		AccountID    string `json:"account_id,omitempty"`
	} `json:"tokens"`
	LastRefresh string `json:"last_refresh,omitempty"`
}

// DirManager reads and refreshes credentials in one account's home
// directory.
type DirManager struct {
	home     string
	tokenURL string
	clientID string
}

// DirManagerOption configures a DirManager.
type DirManagerOption func(*DirManager)

// WithTokenEndpoint overrides the identity provider token endpoint and
// client id used for refreshes.
func WithTokenEndpoint(tokenURL, clientID string) DirManagerOption {
	return func(m *DirManager) {
		m.tokenURL = tokenURL
		m.clientID = clientID
	}
}

const (
	defaultTokenURL = "https://auth.openai.com/oauth/token"
	defaultClientID = "app_codex_mgr_gateway"
)

// NewDirManager returns a Manager over the given account home.
func NewDirManager(home string, opts ...DirManagerOption) *DirManager {
	m := &DirManager{home: home, tokenURL: defaultTokenURL, clientID: defaultClientID}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Manager = (*DirManager)(nil)

func (m *DirManager) authPath() string {
	return filepath.Join(m.home, authFileName)
}

func (m *DirManager) load() (*authDotJSON, error) {
	raw, err := os.ReadFile(m.authPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", m.authPath(), err)
	}
	var parsed authDotJSON
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", m.authPath(), err)
	}
	return &parsed, nil
}

func (m *DirManager) Auth(_ context.Context) (*Auth, error) {
	parsed, err := m.load()
	if err != nil {
		return nil, err
	}
	if parsed == nil || parsed.Tokens.AccessToken == "" {
		return nil, nil
	}
	return &Auth{tokenData: TokenData{
		AccessToken: parsed.Tokens.AccessToken,
		IDToken: IDToken{
			ChatGPTAccountID: chatGPTAccountID(parsed),
		},
	}}, nil
}

// chatGPTAccountID prefers the explicit account_id field, falling back
// to the auth claim embedded in the id_token.
func chatGPTAccountID(parsed *authDotJSON) string {
	if parsed.Tokens.AccountID != "" {
		return parsed.Tokens.AccountID
	}
	if parsed.Tokens.IDToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(parsed.Tokens.IDToken, claims); err != nil {
		return ""
	}
	authClaim, ok := claims["https://api.openai.com/auth"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := authClaim["chatgpt_account_id"].(string)
	return id
}

// RefreshToken performs a refresh_token grant and rewrites auth.json
// atomically.
func (m *DirManager) RefreshToken(ctx context.Context) error {
	parsed, err := m.load()
	if err != nil {
		return err
	}
	if parsed == nil || parsed.Tokens.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token in %s", ErrMissingCredentials, m.authPath())
	}

	conf := &oauth2.Config{
		ClientID: m.clientID,
		Endpoint: oauth2.Endpoint{TokenURL: m.tokenURL},
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: parsed.Tokens.RefreshToken,
	}).Token()
	if err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}

	parsed.Tokens.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		parsed.Tokens.RefreshToken = token.RefreshToken
	}
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		parsed.Tokens.IDToken = idToken
	}
	parsed.LastRefresh = time.Now().UTC().Format(time.RFC3339)

	if err := m.store(parsed); err != nil {
		return err
	}
	logger.Info("refreshed account credentials", "home", m.home)
	return nil
}

// store writes auth.json via temp-file rename so a crash never leaves a
// torn credential file.
func (m *DirManager) store(parsed *authDotJSON) error {
	out, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing auth.json: %w", err)
	}
	out = append(out, '\n')

	tmp := m.authPath() + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.authPath()); err != nil {
		return fmt.Errorf("replacing %s: %w", m.authPath(), err)
	}
	return nil
}
