package accountauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyRoundTrip(t *testing.T) {
	stored, err := Hash("correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, Verify("correct horse battery staple", stored))
	assert.False(t, Verify("wrong password", stored))
}

func TestHashProducesDistinctSaltsPerCall(t *testing.T) {
	a, err := Hash("same password")
	require.NoError(t, err)
	b, err := Hash("same password")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "two hashes of the same password should carry different salts")
	assert.True(t, Verify("same password", a))
	assert.True(t, Verify("same password", b))
}

func TestVerifyRejectsMalformedStoredValue(t *testing.T) {
	assert.False(t, Verify("anything", "not-a-valid-stored-hash"))
	assert.False(t, Verify("anything", "zz:zz"))
}
