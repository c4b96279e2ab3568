package dtls

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedFingerprint(t *testing.T) {
	cert, key, err := GenerateSelfSigned()
	require.NoError(t, err)
	require.NotNil(t, cert)
	require.NotNil(t, key)

	fp, err := Fingerprint(cert, HashAlgorithmSHA256)
	require.NoError(t, err)

	// 32 octets, colon-separated lowercase hex.
	parts := strings.Split(fp, ":")
	assert.Len(t, parts, 32)
	for _, p := range parts {
		assert.Len(t, p, 2)
		assert.Equal(t, strings.ToLower(p), p)
	}

	// A second certificate gets a different fingerprint.
	cert2, _, err := GenerateSelfSigned()
	require.NoError(t, err)
	fp2, err := Fingerprint(cert2, HashAlgorithmSHA256)
	require.NoError(t, err)
	assert.NotEqual(t, fp, fp2)
}

func TestNormalizeFingerprint(t *testing.T) {
	bare := "ab12cd"
	assert.Equal(t, bare, normalizeFingerprint("AB:12:CD"))
	assert.Equal(t, bare, normalizeFingerprint("sha-256 AB:12:CD"))
	assert.Equal(t, bare, normalizeFingerprint("SHA-256 ab:12:cd"))

	// Any algorithm other than sha-256 fails closed.
	assert.Equal(t, "", normalizeFingerprint("sha-1 AB:12:CD"))
}
