package webauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	mgr, err := New("gitlab-crawl-test")
	require.NoError(t, err)

	token, err := mgr.IssueToken("operator")
	require.NoError(t, err)

	claims, err := mgr.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.AccountID)
	assert.Equal(t, "operator", claims.Subject)
}

func TestVerifyRejectsTokenFromADifferentManager(t *testing.T) {
	mgrA, err := New("gitlab-crawl-test")
	require.NoError(t, err)
	mgrB, err := New("gitlab-crawl-test")
	require.NoError(t, err)

	token, err := mgrA.IssueToken("operator")
	require.NoError(t, err)

	_, err = mgrB.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	mgr, err := New("gitlab-crawl-test")
	require.NoError(t, err)

	_, err = mgr.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
