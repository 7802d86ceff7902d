package plugincenter

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/scm-server/internal/auth"
	"github.com/vrsandeep/scm-server/internal/config"
)

const (
	testAuthURL     = "https://plugin-center.example.com/api/v1/auth/oidc"
	testCallbackURL = "https://scm.example.com/api/v2/plugins/auth/callback"
	testCallback    = "/api/v2/plugins/auth/callback"
)

// MockAuthenticator is a mock implementation of Authenticator
type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) IsAuthenticated() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, subject, refreshToken string) error {
	args := m.Called(ctx, subject, refreshToken)
	return args.Error(0)
}

type flowFixture struct {
	flow          *Flow
	authenticator *MockAuthenticator
	excludes      *XsrfExcludes
	params        *ParamSerializer
}

func newFlowFixture(t *testing.T, authURL string) *flowFixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.RootPath = "/"
	cfg.PluginCenter.AuthURL = authURL
	cfg.PluginCenter.ChallengeTTL = 10

	params, err := NewParamSerializer("test-secret")
	require.NoError(t, err)

	f := &flowFixture{
		authenticator: new(MockAuthenticator),
		excludes:      NewXsrfExcludes(),
		params:        params,
	}
	f.flow = NewFlow(cfg, f.authenticator, f.excludes, params)
	return f
}

// callbackParams follows the redirect to the plugin center and returns the
// params it would send back.
func callbackParams(t *testing.T, outcome RedirectOutcome) string {
	t.Helper()
	require.False(t, outcome.IsError, "unexpected error redirect %s", outcome.Location)

	target, err := url.Parse(outcome.Location)
	require.NoError(t, err)
	assert.Equal(t, "plugin-center.example.com", target.Host)

	instance, err := url.Parse(target.Query().Get("instance"))
	require.NoError(t, err)
	assert.Equal(t, testCallback, instance.Path)

	params := instance.Query().Get("params")
	require.NotEmpty(t, params)
	return params
}

func TestFlow_Initiate(t *testing.T) {
	t.Run("Source missing", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		outcome := f.flow.Initiate("trillian", "", testCallbackURL, false)
		assert.True(t, outcome.IsError)
		assert.Equal(t, "/error/source-missing", outcome.Location)
		assert.Equal(t, StateIdle, f.flow.State())
	})

	t.Run("Authentication disabled", func(t *testing.T) {
		f := newFlowFixture(t, "")
		outcome := f.flow.Initiate("trillian", "/admin/plugins", testCallbackURL, false)
		assert.Equal(t, CodeAuthenticationDisabled, outcome.Code)
	})

	t.Run("Already authenticated", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		f.authenticator.On("IsAuthenticated").Return(true)

		outcome := f.flow.Initiate("trillian", "/admin/plugins", testCallbackURL, false)
		assert.Equal(t, CodeAlreadyAuthenticated, outcome.Code)
		assert.False(t, f.excludes.Contains(testCallback))
	})

	t.Run("Reconnect", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		f.authenticator.On("IsAuthenticated").Return(true)

		outcome := f.flow.Initiate("trillian", "/admin/plugins", testCallbackURL, true)
		callbackParams(t, outcome)
		assert.Equal(t, StateChallenged, f.flow.State())
		f.authenticator.AssertNotCalled(t, "IsAuthenticated")
	})

	t.Run("Params are encrypted", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		f.authenticator.On("IsAuthenticated").Return(false)

		params := callbackParams(t, f.flow.Initiate("trillian", "/admin/plugins", testCallbackURL, false))
		assert.NotContains(t, params, "trillian")

		param, err := f.params.Deserialize(params)
		require.NoError(t, err)
		assert.Equal(t, "trillian", param.Principal)
		assert.Equal(t, "/admin/plugins", param.Source)
		assert.Equal(t, f.flow.challenge.Value, param.Challenge)
		assert.True(t, f.excludes.Contains(testCallback))
	})
}

func TestFlow_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("Happy path", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		f.authenticator.On("IsAuthenticated").Return(false)
		f.authenticator.On("Authenticate", mock.Anything, "tricia@hitchhiker.com", "refresh-token").
			Run(func(args mock.Arguments) {
				principal := auth.FromContext(args.Get(0).(context.Context))
				assert.Equal(t, "trillian", principal.Name)
				assert.True(t, principal.IsPermitted(auth.PermissionPluginWrite))
			}).
			Return(nil).Once()

		params := callbackParams(t, f.flow.Initiate("trillian", "/admin/plugins", testCallbackURL, false))
		outcome := f.flow.Complete(ctx, params, "tricia@hitchhiker.com", "refresh-token")

		assert.False(t, outcome.IsError)
		assert.Equal(t, "/admin/plugins", outcome.Location)
		assert.Equal(t, StateAuthenticated, f.flow.State())
		assert.False(t, f.excludes.Contains(testCallback))
		f.authenticator.AssertExpectations(t)

		// the challenge is used up
		outcome = f.flow.Complete(ctx, params, "tricia@hitchhiker.com", "refresh-token")
		assert.Equal(t, CodeChallengeMissing, outcome.Code)
	})

	t.Run("Challenge does not match", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		f.authenticator.On("IsAuthenticated").Return(false)

		params := callbackParams(t, f.flow.Initiate("trillian", "/repos", testCallbackURL, false))
		forged, err := f.params.Serialize(AuthParameter{Principal: "trillian", Challenge: "wrong-challenge", Source: "/repos"})
		require.NoError(t, err)

		outcome := f.flow.Complete(ctx, forged, "tricia@hitchhiker.com", "refresh-token")
		assert.True(t, outcome.IsError)
		assert.Equal(t, "/error/challenge-does-not-match", outcome.Location)
		f.authenticator.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything, mock.Anything)

		// the legitimate callback can still complete
		assert.Equal(t, StateChallenged, f.flow.State())
		assert.True(t, f.excludes.Contains(testCallback))
		f.authenticator.On("Authenticate", mock.Anything, "tricia@hitchhiker.com", "refresh-token").Return(nil)
		outcome = f.flow.Complete(ctx, params, "tricia@hitchhiker.com", "refresh-token")
		assert.Equal(t, "/repos", outcome.Location)
	})

	t.Run("Challenge missing", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		params, err := f.params.Serialize(AuthParameter{Principal: "trillian", Challenge: "abc", Source: "/repos"})
		require.NoError(t, err)

		outcome := f.flow.Complete(ctx, params, "tricia@hitchhiker.com", "refresh-token")
		assert.Equal(t, "/error/challenge-missing", outcome.Location)
		f.authenticator.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Params missing or invalid", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		assert.Equal(t, CodeParamsMissing, f.flow.Complete(ctx, "", "s", "r").Code)
		assert.Equal(t, CodeParamsInvalid, f.flow.Complete(ctx, "not-encrypted", "s", "r").Code)

		other, err := NewParamSerializer("other-secret")
		require.NoError(t, err)
		params, err := other.Serialize(AuthParameter{Principal: "trillian", Challenge: "abc"})
		require.NoError(t, err)
		assert.Equal(t, CodeParamsInvalid, f.flow.Complete(ctx, params, "s", "r").Code)
	})

	t.Run("Authenticator error code", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		f.authenticator.On("IsAuthenticated").Return(false)
		f.authenticator.On("Authenticate", mock.Anything, mock.Anything, mock.Anything).
			Return(&FetchAccessTokenFailedError{Code: CodeFetchAccessTokenFailed})

		params := callbackParams(t, f.flow.Initiate("trillian", "/admin/plugins", testCallbackURL, false))
		outcome := f.flow.Complete(ctx, params, "tricia@hitchhiker.com", "refresh-token")

		assert.True(t, outcome.IsError)
		assert.Equal(t, "/error/fetch-access-token-failed", outcome.Location)
		assert.False(t, f.excludes.Contains(testCallback))
		assert.Equal(t, StateAborted, f.flow.State())
	})

	t.Run("Last initiate wins", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		f.authenticator.On("IsAuthenticated").Return(false)
		f.authenticator.On("Authenticate", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		first := callbackParams(t, f.flow.Initiate("trillian", "/repos", testCallbackURL, false))
		second := callbackParams(t, f.flow.Initiate("dent", "/admin/plugins", testCallbackURL, false))

		assert.Equal(t, CodeChallengeDoesNotMatch, f.flow.Complete(ctx, first, "s", "r").Code)
		assert.Equal(t, "/admin/plugins", f.flow.Complete(ctx, second, "s", "r").Location)
	})
}

func TestFlow_Abort(t *testing.T) {
	f := newFlowFixture(t, testAuthURL)
	f.authenticator.On("IsAuthenticated").Return(false)

	params := callbackParams(t, f.flow.Initiate("trillian", "/admin/plugins", testCallbackURL, false))
	outcome := f.flow.Abort(params)

	assert.False(t, outcome.IsError)
	assert.Equal(t, "/admin/plugins", outcome.Location)
	assert.Equal(t, StateAborted, f.flow.State())
	assert.False(t, f.excludes.Contains(testCallback))
	assert.Equal(t, CodeChallengeMissing, f.flow.Abort(params).Code)
}

func TestFlow_Expiry(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	t.Run("Stale challenge counts as missing", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		f.flow.now = func() time.Time { return now }
		f.authenticator.On("IsAuthenticated").Return(false)

		params := callbackParams(t, f.flow.Initiate("trillian", "/admin/plugins", testCallbackURL, false))
		now = now.Add(11 * time.Minute)

		outcome := f.flow.Complete(context.Background(), params, "s", "r")
		assert.Equal(t, CodeChallengeMissing, outcome.Code)
		assert.False(t, f.excludes.Contains(testCallback))
		f.authenticator.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ExpireStale", func(t *testing.T) {
		f := newFlowFixture(t, testAuthURL)
		f.flow.now = func() time.Time { return now }
		f.authenticator.On("IsAuthenticated").Return(false)

		assert.False(t, f.flow.ExpireStale())
		callbackParams(t, f.flow.Initiate("trillian", "/admin/plugins", testCallbackURL, false))

		now = now.Add(5 * time.Minute)
		assert.False(t, f.flow.ExpireStale())
		assert.Equal(t, StateChallenged, f.flow.State())

		now = now.Add(6 * time.Minute)
		assert.True(t, f.flow.ExpireStale())
		assert.Equal(t, StateAborted, f.flow.State())
		assert.False(t, f.excludes.Contains(testCallback))
	})
}
