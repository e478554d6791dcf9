package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard() (*CSRFGuard, *fakeClock) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	return NewCSRFGuard(clock, 2*time.Minute), clock
}

func TestCSRF_IssueThenValidate(t *testing.T) {
	guard, _ := newTestGuard()

	token, err := guard.Issue("sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.True(t, guard.Validate("sess-1", token, http.MethodPost))
}

func TestCSRF_IssueIsDeterministicPerEpoch(t *testing.T) {
	guard, _ := newTestGuard()

	first, err := guard.Issue("sess-1")
	require.NoError(t, err)
	second, err := guard.Issue("sess-1")
	require.NoError(t, err)
	assert.Equal(t, first, second, "same secret and epoch must derive the same token")
}

func TestCSRF_SafeMethodsBypass(t *testing.T) {
	guard, _ := newTestGuard()

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		assert.True(t, guard.Validate("sess-1", "", method), "%s must bypass validation", method)
	}
}

func TestCSRF_RejectsWrongToken(t *testing.T) {
	guard, _ := newTestGuard()

	_, err := guard.Issue("sess-1")
	require.NoError(t, err)

	assert.False(t, guard.Validate("sess-1", "not-the-token", http.MethodPost))
	assert.False(t, guard.Validate("sess-1", "", http.MethodPost))
}

func TestCSRF_RejectsUnknownSession(t *testing.T) {
	guard, _ := newTestGuard()
	assert.False(t, guard.Validate("never-issued", "anything", http.MethodDelete))
}

func TestCSRF_RotationGraceWindow(t *testing.T) {
	guard, clock := newTestGuard()

	old, err := guard.Issue("sess-1")
	require.NoError(t, err)
	fresh, err := guard.Rotate("sess-1")
	require.NoError(t, err)
	require.NotEqual(t, old, fresh)

	// Inside the grace window both epochs validate.
	assert.True(t, guard.Validate("sess-1", fresh, http.MethodPost))
	assert.True(t, guard.Validate("sess-1", old, http.MethodPost))

	// Past the grace window only the current epoch survives.
	clock.Advance(2*time.Minute + time.Second)
	assert.True(t, guard.Validate("sess-1", fresh, http.MethodPost))
	assert.False(t, guard.Validate("sess-1", old, http.MethodPost))
}

func TestCSRF_OnlyImmediatelyPreviousEpochInGrace(t *testing.T) {
	guard, _ := newTestGuard()

	first, err := guard.Issue("sess-1")
	require.NoError(t, err)
	_, err = guard.Rotate("sess-1")
	require.NoError(t, err)
	latest, err := guard.Rotate("sess-1")
	require.NoError(t, err)

	assert.True(t, guard.Validate("sess-1", latest, http.MethodPost))
	assert.False(t, guard.Validate("sess-1", first, http.MethodPost),
		"two rotations back is never valid, grace or not")
}

func TestCSRF_DropDiscardsState(t *testing.T) {
	guard, _ := newTestGuard()

	token, err := guard.Issue("sess-1")
	require.NoError(t, err)
	guard.Drop("sess-1")

	assert.False(t, guard.Validate("sess-1", token, http.MethodPost))
}

func TestCSRF_SessionsHaveIndependentTokens(t *testing.T) {
	guard, _ := newTestGuard()

	a, err := guard.Issue("sess-a")
	require.NoError(t, err)
	b, err := guard.Issue("sess-b")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.False(t, guard.Validate("sess-b", a, http.MethodPost))
}

func TestSuppliedCSRFToken_HeaderWinsOverForm(t *testing.T) {
	form := url.Values{csrfFormField: {"form-token"}}
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set(csrfHeaderName, "header-token")

	assert.Equal(t, "header-token", suppliedCSRFToken(r))
}

func TestSuppliedCSRFToken_FallsBackToForm(t *testing.T) {
	form := url.Values{csrfFormField: {"form-token"}}
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	assert.Equal(t, "form-token", suppliedCSRFToken(r))
}
