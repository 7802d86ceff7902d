package plugincenter

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vrsandeep/scm-server/internal/auth"
	"github.com/vrsandeep/scm-server/internal/store"
)

const (
	CodeFetchAccessTokenFailed = "fetch-access-token-failed"
	CodeAuthenticationFailed   = "authentication-failed"
)

// ErrAuthenticationDisabled is returned when no plugin center auth URL is
// configured.
var ErrAuthenticationDisabled = errors.New("plugin center authentication is disabled")

// FetchAccessTokenFailedError is returned when the plugin center refuses to
// exchange a refresh token. Code is shown to the user.
type FetchAccessTokenFailedError struct {
	Code  string
	Cause error
}

func (e *FetchAccessTokenFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to fetch plugin center access token (%s): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("failed to fetch plugin center access token (%s)", e.Code)
}

func (e *FetchAccessTokenFailedError) Unwrap() error {
	return e.Cause
}

// Authenticator connects the server with a plugin center account.
type Authenticator interface {
	IsAuthenticated() bool
	Authenticate(ctx context.Context, subject, refreshToken string) error
}

// AuthenticationInfo describes the stored plugin center connection.
type AuthenticationInfo struct {
	Principal           string    `json:"principal"`
	PluginCenterSubject string    `json:"pluginCenterSubject"`
	Date                time.Time `json:"date"`
	Failed              bool      `json:"failed"`
}

// Broadcaster receives connection changes.
type Broadcaster interface {
	BroadcastJSON(messageType string, payload interface{})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// DefaultAuthenticator stores the plugin center refresh token in the
// database and exchanges it for access tokens.
type DefaultAuthenticator struct {
	store   *store.Store
	authURL string
	client  *http.Client
	events  Broadcaster

	// refreshes rotate the stored token, so they must not overlap
	mu sync.Mutex
}

var _ Authenticator = (*DefaultAuthenticator)(nil)

// NewDefaultAuthenticator creates an authenticator using the refresh
// endpoint below authURL. events may be nil.
func NewDefaultAuthenticator(db *sql.DB, authURL string, events Broadcaster) *DefaultAuthenticator {
	return &DefaultAuthenticator{
		store:   store.New(db),
		authURL: strings.TrimSpace(authURL),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		events: events,
	}
}

// IsAuthenticated reports whether a refresh token is stored.
func (a *DefaultAuthenticator) IsAuthenticated() bool {
	stored, err := a.store.GetPluginCenterAuth()
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("Failed to read plugin center authentication: %v", err)
		}
		return false
	}
	return stored.RefreshToken != ""
}

// Authenticate verifies refreshToken against the plugin center and stores
// the rotated token for the principal of ctx.
func (a *DefaultAuthenticator) Authenticate(ctx context.Context, subject, refreshToken string) error {
	if err := auth.Check(ctx, auth.PermissionPluginWrite); err != nil {
		return err
	}
	if subject == "" {
		return errors.New("plugin center subject is required")
	}
	if refreshToken == "" {
		return errors.New("refresh token is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tokens, err := a.refresh(ctx, refreshToken)
	if err != nil {
		return err
	}

	info := &store.PluginCenterAuth{
		Principal:       auth.FromContext(ctx).Name,
		Subject:         subject,
		RefreshToken:    tokens.RefreshToken,
		AuthenticatedAt: time.Now().UTC(),
	}
	if err := a.store.SavePluginCenterAuth(info); err != nil {
		return fmt.Errorf("failed to store plugin center authentication: %w", err)
	}

	log.Printf("Plugin center connected with account %s by %s", subject, info.Principal)
	a.broadcast("plugin_center_login", toInfo(info))
	return nil
}

// FetchAccessToken exchanges the stored refresh token for an access token.
// Without a connection it returns an empty token. A refused exchange marks
// the connection as failed.
func (a *DefaultAuthenticator) FetchAccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, err := a.store.GetPluginCenterAuth()
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read plugin center authentication: %w", err)
	}
	if a.authURL == "" {
		return "", ErrAuthenticationDisabled
	}

	tokens, err := a.refresh(ctx, stored.RefreshToken)
	if err != nil {
		if !stored.Failed {
			if markErr := a.store.MarkPluginCenterAuthFailed(); markErr != nil {
				log.Printf("Failed to mark plugin center authentication as failed: %v", markErr)
			}
			stored.Failed = true
			a.broadcast("plugin_center_auth_failed", toInfo(stored))
		}
		return "", err
	}

	if err := a.store.UpdatePluginCenterRefreshToken(tokens.RefreshToken); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return tokens.AccessToken, nil
}

// AuthenticationInfo returns the stored connection or nil.
func (a *DefaultAuthenticator) AuthenticationInfo(ctx context.Context) (*AuthenticationInfo, error) {
	if err := auth.Check(ctx, auth.PermissionPluginRead); err != nil {
		return nil, err
	}
	stored, err := a.store.GetPluginCenterAuth()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toInfo(stored), nil
}

// Logout forgets the stored connection.
func (a *DefaultAuthenticator) Logout(ctx context.Context) error {
	if err := auth.Check(ctx, auth.PermissionPluginWrite); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	stored, err := a.store.GetPluginCenterAuth()
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.store.DeletePluginCenterAuth(); err != nil {
		return fmt.Errorf("failed to remove plugin center authentication: %w", err)
	}

	log.Printf("Plugin center account %s disconnected", stored.Subject)
	a.broadcast("plugin_center_logout", toInfo(stored))
	return nil
}

func (a *DefaultAuthenticator) refresh(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	if a.authURL == "" {
		return nil, ErrAuthenticationDisabled
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(a.authURL, "/") + "/refresh"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &FetchAccessTokenFailedError{Code: CodeFetchAccessTokenFailed, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchAccessTokenFailedError{
			Code:  CodeFetchAccessTokenFailed,
			Cause: fmt.Errorf("plugin center returned status %d", resp.StatusCode),
		}
	}

	var tokens refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, &FetchAccessTokenFailedError{Code: CodeFetchAccessTokenFailed, Cause: err}
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return nil, &FetchAccessTokenFailedError{
			Code:  CodeFetchAccessTokenFailed,
			Cause: errors.New("plugin center response is missing tokens"),
		}
	}
	return &tokens, nil
}

func (a *DefaultAuthenticator) broadcast(messageType string, info *AuthenticationInfo) {
	if a.events != nil {
		a.events.BroadcastJSON(messageType, info)
	}
}

func toInfo(stored *store.PluginCenterAuth) *AuthenticationInfo {
	return &AuthenticationInfo{
		Principal:           stored.Principal,
		PluginCenterSubject: stored.Subject,
		Date:                stored.AuthenticatedAt,
		Failed:              stored.Failed,
	}
}
