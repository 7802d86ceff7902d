// Package plugincenter connects the server with a plugin center account.
// The login is a redirect handshake: the server sends the browser to the
// plugin center with an encrypted challenge, and the plugin center posts the
// account's refresh token back to the callback URL.
package plugincenter

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/vrsandeep/scm-server/internal/auth"
	"github.com/vrsandeep/scm-server/internal/config"
)

// Error codes used in error redirects.
const (
	CodeSourceMissing          = "source-missing"
	CodeAuthenticationDisabled = "authentication-disabled"
	CodeAlreadyAuthenticated   = "already-authenticated"
	CodeParamsMissing          = "params-missing"
	CodeParamsInvalid          = "params-invalid"
	CodeChallengeMissing       = "challenge-missing"
	CodeChallengeDoesNotMatch  = "challenge-does-not-match"
)

const challengeSize = 32

// State is the state of the login handshake.
type State string

const (
	StateIdle          State = "IDLE"
	StateChallenged    State = "CHALLENGED"
	StateAuthenticated State = "AUTHENTICATED"
	StateAborted       State = "ABORTED"
)

// RedirectOutcome is where the browser goes after a handshake step.
type RedirectOutcome struct {
	Location string
	IsError  bool
	Code     string
}

// Challenge is the secret of the login in flight.
type Challenge struct {
	Value     string
	Source    string
	Principal string
	IssuedAt  time.Time

	callbackPath string
}

// Flow is the login handshake. At most one challenge is valid at a time.
type Flow struct {
	rootPath      string
	authURL       string
	ttl           time.Duration
	authenticator Authenticator
	excludes      *XsrfExcludes
	params        *ParamSerializer
	now           func() time.Time

	mu        sync.Mutex
	state     State
	challenge *Challenge
}

// NewFlow creates the handshake for the plugin center configured in cfg.
func NewFlow(cfg *config.Config, authenticator Authenticator, excludes *XsrfExcludes, params *ParamSerializer) *Flow {
	ttl := time.Duration(cfg.PluginCenter.ChallengeTTL) * time.Minute
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	rootPath := cfg.Server.RootPath
	if rootPath == "" {
		rootPath = "/"
	}
	return &Flow{
		rootPath:      rootPath,
		authURL:       strings.TrimSpace(cfg.PluginCenter.AuthURL),
		ttl:           ttl,
		authenticator: authenticator,
		excludes:      excludes,
		params:        params,
		now:           time.Now,
		state:         StateIdle,
	}
}

// State returns the current handshake state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Initiate starts a login for principal. The browser is sent to the plugin
// center, which later calls callbackURL. After the handshake the browser
// returns to source. A running login is replaced.
func (f *Flow) Initiate(principal, source, callbackURL string, reconnect bool) RedirectOutcome {
	if source == "" {
		return f.errorRedirect(CodeSourceMissing)
	}
	if f.authURL == "" {
		return f.errorRedirect(CodeAuthenticationDisabled)
	}
	if !reconnect && f.authenticator.IsAuthenticated() {
		return f.errorRedirect(CodeAlreadyAuthenticated)
	}

	value, err := newChallenge()
	if err != nil {
		log.Printf("Failed to create plugin center challenge: %v", err)
		return f.errorRedirect(CodeAuthenticationFailed)
	}

	params, err := f.params.Serialize(AuthParameter{Principal: principal, Challenge: value, Source: source})
	if err != nil {
		log.Printf("Failed to encrypt plugin center callback parameters: %v", err)
		return f.errorRedirect(CodeAuthenticationFailed)
	}

	callback, err := url.Parse(callbackURL)
	if err != nil {
		log.Printf("Invalid plugin center callback URL %q: %v", callbackURL, err)
		return f.errorRedirect(CodeAuthenticationFailed)
	}
	query := callback.Query()
	query.Set("params", params)
	callback.RawQuery = query.Encode()

	target, err := url.Parse(f.authURL)
	if err != nil {
		log.Printf("Invalid plugin center auth URL %q: %v", f.authURL, err)
		return f.errorRedirect(CodeAuthenticationDisabled)
	}
	targetQuery := target.Query()
	targetQuery.Set("instance", callback.String())
	target.RawQuery = targetQuery.Encode()

	f.mu.Lock()
	if f.challenge != nil && f.challenge.callbackPath != callback.Path {
		f.excludes.Remove(f.challenge.callbackPath)
	}
	f.challenge = &Challenge{
		Value:        value,
		Source:       source,
		Principal:    principal,
		IssuedAt:     f.now(),
		callbackPath: callback.Path,
	}
	f.state = StateChallenged
	f.mu.Unlock()

	f.excludes.Add(callback.Path)
	log.Printf("Plugin center login started by %s", principal)
	return RedirectOutcome{Location: target.String()}
}

// Abort handles the plugin center returning without an account, e.g. when
// the user cancelled the login there.
func (f *Flow) Abort(encryptedParams string) RedirectOutcome {
	param, outcome, ok := f.verify(encryptedParams)
	if !ok {
		return outcome
	}

	f.mu.Lock()
	f.clearLocked(StateAborted)
	f.mu.Unlock()

	log.Printf("Plugin center login of %s aborted", param.Principal)
	return f.redirect(param.Source)
}

// Complete finishes the login with the account sent by the plugin center.
// The authenticator runs as the principal who started the login.
func (f *Flow) Complete(ctx context.Context, encryptedParams, subject, refreshToken string) RedirectOutcome {
	param, outcome, ok := f.verify(encryptedParams)
	if !ok {
		return outcome
	}

	f.mu.Lock()
	f.clearLocked(StateAborted)
	f.mu.Unlock()

	ctx = auth.WithPrincipal(ctx, &auth.Principal{
		Name:        param.Principal,
		Permissions: []auth.Permission{auth.PermissionPluginWrite},
	})
	if err := f.authenticator.Authenticate(ctx, subject, refreshToken); err != nil {
		log.Printf("Plugin center login of %s failed: %v", param.Principal, err)
		var fetchErr *FetchAccessTokenFailedError
		if errors.As(err, &fetchErr) {
			return f.errorRedirect(fetchErr.Code)
		}
		return f.errorRedirect(CodeAuthenticationFailed)
	}

	f.mu.Lock()
	f.state = StateAuthenticated
	f.mu.Unlock()
	return f.redirect(param.Source)
}

// ExpireStale aborts a login whose challenge outlived its TTL. It reports
// whether a login was aborted.
func (f *Flow) ExpireStale() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.challenge == nil || !f.expiredLocked() {
		return false
	}
	log.Printf("Plugin center login of %s expired", f.challenge.Principal)
	f.clearLocked(StateAborted)
	return true
}

// verify decodes the callback parameters and compares their challenge with
// the one in flight. A mismatch leaves the login running.
func (f *Flow) verify(encryptedParams string) (AuthParameter, RedirectOutcome, bool) {
	if encryptedParams == "" {
		return AuthParameter{}, f.errorRedirect(CodeParamsMissing), false
	}
	param, err := f.params.Deserialize(encryptedParams)
	if err != nil {
		log.Printf("Rejecting plugin center callback: %v", err)
		return AuthParameter{}, f.errorRedirect(CodeParamsInvalid), false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.challenge != nil && f.expiredLocked() {
		f.clearLocked(StateAborted)
	}
	if f.challenge == nil {
		return param, f.errorRedirect(CodeChallengeMissing), false
	}
	if f.challenge.Value != param.Challenge {
		return param, f.errorRedirect(CodeChallengeDoesNotMatch), false
	}
	return param, RedirectOutcome{}, true
}

func (f *Flow) expiredLocked() bool {
	return f.now().Sub(f.challenge.IssuedAt) > f.ttl
}

func (f *Flow) clearLocked(next State) {
	if f.challenge != nil {
		f.excludes.Remove(f.challenge.callbackPath)
	}
	f.challenge = nil
	f.state = next
}

func (f *Flow) errorRedirect(code string) RedirectOutcome {
	outcome := f.redirect("error/" + code)
	outcome.IsError = true
	outcome.Code = code
	return outcome
}

// redirect resolves location below the root path of the server.
func (f *Flow) redirect(location string) RedirectOutcome {
	if location == "" {
		return RedirectOutcome{Location: f.rootPath}
	}
	return RedirectOutcome{Location: path.Join(f.rootPath, location)}
}

func newChallenge() (string, error) {
	buf := make([]byte, challengeSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
