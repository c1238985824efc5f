// Package credentials keeps calrelay's secrets in the OS keyring: one OAuth
// token per Google account and the CalDAV password.
//
// Tokens are stored as JSON-encoded [oauth2.Token] values. Token sources
// handed out by the store write refreshed tokens back so a restart does not
// force a new consent flow.
package credentials

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// ServiceName is the keyring service all items are stored under.
const ServiceName = "calrelay"

const (
	tokenPrefix    = "oauth:"
	passwordPrefix = "caldav:"
)

// Scopes requested for every Google account.
var Scopes = []string{calendar.CalendarScope}

// ErrNotFound is returned when no secret is stored for the requested key.
var ErrNotFound = errors.New("credential not found")

// Options selects the keyring backend. Empty fields use the platform default.
type Options struct {
	// Backend is a keyring backend name such as "keychain", "secret-service"
	// or "file".
	Backend string

	// FileDir is the directory of the encrypted file backend.
	FileDir string
}

// Store reads and writes secrets in a [keyring.Keyring].
type Store struct {
	ring  keyring.Keyring
	oauth *oauth2.Config
	log   *slog.Logger
}

// Open opens the OS keyring described by opts.
func Open(opts Options, logger *slog.Logger) (*Store, error) {
	cfg := keyring.Config{
		ServiceName:              ServiceName,
		KeychainTrustApplication: true,
		FileDir:                  opts.FileDir,
		FilePasswordFunc:         keyring.TerminalPrompt,
	}
	if opts.Backend != "" {
		cfg.AllowedBackends = []keyring.BackendType{keyring.BackendType(opts.Backend)}
	}

	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring, logger), nil
}

// NewStore wraps an already opened keyring. Tests pass a
// [keyring.ArrayKeyring].
func NewStore(ring keyring.Keyring, logger *slog.Logger) *Store {
	return &Store{ring: ring, log: logger}
}

// SetOAuthConfig sets the client configuration used by [Store.HTTPClient].
func (s *Store) SetOAuthConfig(cfg *oauth2.Config) {
	s.oauth = cfg
}

// OAuthConfig returns the configuration set with [Store.SetOAuthConfig].
func (s *Store) OAuthConfig() *oauth2.Config {
	return s.oauth
}

// LoadOAuthConfig reads a Google OAuth client file (credentials.json as
// downloaded from the Cloud console).
func LoadOAuthConfig(path string) (*oauth2.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials from %s: %w", path, err)
	}
	cfg, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	return cfg, nil
}

// --- OAuth tokens ---

// SaveToken stores tok for accountID, replacing any previous token.
func (s *Store) SaveToken(accountID string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token for %s: %w", accountID, err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         tokenPrefix + accountID,
		Data:        data,
		Label:       "calrelay: " + accountID,
		Description: "Google Calendar OAuth token",
	})
	if err != nil {
		return fmt.Errorf("saving token for %s: %w", accountID, err)
	}
	return nil
}

// Token returns the stored token for accountID, or an error wrapping
// [ErrNotFound].
func (s *Store) Token(accountID string) (*oauth2.Token, error) {
	item, err := s.ring.Get(tokenPrefix + accountID)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("token for %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading token for %s: %w", accountID, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token for %s: %w", accountID, err)
	}
	return &tok, nil
}

// DeleteToken removes the token for accountID. A missing token is not an
// error.
func (s *Store) DeleteToken(accountID string) error {
	err := s.ring.Remove(tokenPrefix + accountID)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !os.IsNotExist(err) {
		return fmt.Errorf("deleting token for %s: %w", accountID, err)
	}
	return nil
}

// Accounts lists the accounts that have a stored token, sorted by id.
func (s *Store) Accounts() ([]string, error) {
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing keyring items: %w", err)
	}
	var ids []string
	for _, k := range keys {
		if id, ok := strings.CutPrefix(k, tokenPrefix); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ImportTokenFile stores the token in path for accountID. Both the
// golang.org/x/oauth2 JSON layout and the token.json written by Google's
// Python client are accepted.
func (s *Store) ImportTokenFile(accountID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading token file: %w", err)
	}
	tok, err := parseTokenFile(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return s.SaveToken(accountID, tok)
}

// tokenFile covers both the golang.org/x/oauth2 layout ("access_token") and
// the google-auth Python layout ("token").
type tokenFile struct {
	AccessToken  string `json:"access_token"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Expiry       string `json:"expiry"`
}

func parseTokenFile(data []byte) (*oauth2.Token, error) {
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	access := cmp.Or(tf.AccessToken, tf.Token)
	if access == "" && tf.RefreshToken == "" {
		return nil, errors.New("no access or refresh token in file")
	}

	// Python writes ISO 8601 with microseconds and sometimes no offset.
	var expiry time.Time
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, tf.Expiry); err == nil {
			expiry = t
			break
		}
	}
	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: tf.RefreshToken,
		TokenType:    cmp.Or(tf.TokenType, "Bearer"),
		Expiry:       expiry,
	}, nil
}

// --- Token sources ---

// TokenSource returns a token source for accountID that refreshes through
// cfg and persists every new token.
func (s *Store) TokenSource(ctx context.Context, cfg *oauth2.Config, accountID string) (oauth2.TokenSource, error) {
	tok, err := s.Token(accountID)
	if err != nil {
		return nil, err
	}
	return &persistingSource{
		base:    cfg.TokenSource(ctx, tok),
		store:   s,
		account: accountID,
		last:    tok.AccessToken,
	}, nil
}

// HTTPClient returns an authorised client for accountID using the
// configuration set with [Store.SetOAuthConfig].
func (s *Store) HTTPClient(ctx context.Context, accountID string) (*http.Client, error) {
	if s.oauth == nil {
		return nil, errors.New("no OAuth client configured")
	}
	ts, err := s.TokenSource(ctx, s.oauth, accountID)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}

// AuthCodeURL returns the consent page URL for a new account.
func (s *Store) AuthCodeURL(state string) (string, error) {
	if s.oauth == nil {
		return "", errors.New("no OAuth client configured")
	}
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorisation code for a token and stores it.
func (s *Store) Exchange(ctx context.Context, accountID, code string) error {
	if s.oauth == nil {
		return errors.New("no OAuth client configured")
	}
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorisation code: %w", err)
	}
	return s.SaveToken(accountID, tok)
}

type persistingSource struct {
	base    oauth2.TokenSource
	store   *Store
	account string

	mu   sync.Mutex
	last string
}

// Token returns the next token. Failing to persist a refreshed token is
// logged, not returned: the token itself is still valid.
func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token for %s: %w", p.account, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.store.SaveToken(p.account, tok); err != nil {
			p.store.log.Warn("could not persist refreshed token", "account", p.account, "error", err)
		} else {
			p.store.log.Debug("persisted refreshed token", "account", p.account)
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}

// --- CalDAV ---

// SavePassword stores the CalDAV password for username.
func (s *Store) SavePassword(username, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:         passwordPrefix + username,
		Data:        []byte(password),
		Label:       "calrelay: CalDAV " + username,
		Description: "CalDAV password",
	})
	if err != nil {
		return fmt.Errorf("saving password for %s: %w", username, err)
	}
	return nil
}

// Password returns the CalDAV password for username, or an error wrapping
// [ErrNotFound].
func (s *Store) Password(username string) (string, error) {
	item, err := s.ring.Get(passwordPrefix + username)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("password for %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading password for %s: %w", username, err)
	}
	return string(item.Data), nil
}

// DeletePassword removes the CalDAV password for username. A missing
// password is not an error.
func (s *Store) DeletePassword(username string) error {
	err := s.ring.Remove(passwordPrefix + username)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !os.IsNotExist(err) {
		return fmt.Errorf("deleting password for %s: %w", username, err)
	}
	return nil
}
