package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	a := IdempotencyKey("xfer", "t-1", "txn-1")
	b := IdempotencyKey("xfer", "t-1", "txn-1")
	c := IdempotencyKey("xfer", "t-2", "txn-1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "xfer_"))
	assert.Len(t, a, len("xfer_")+32)
}

func TestGenerateCertificateCode(t *testing.T) {
	code, err := GenerateCertificateCode()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "CRT-"))
	assert.Len(t, code, 16)
}

func TestCertificateCodesAvoidAmbiguousCharacters(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCertificateCode()
		require.NoError(t, err)
		assert.False(t, strings.ContainsAny(strings.TrimPrefix(code, "CRT-"), "01IO"), code)
	}
}
