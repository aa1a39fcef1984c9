package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "JBSWY3DPEHPK3PXP"

func TestGenerateAndValidate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	code, err := GenerateTOTP("jbsw y3dp ehpk 3pxp", now)
	require.NoError(t, err)
	assert.Len(t, code, 6)

	ok, err := ValidateTOTP(code, secret, now.Add(20*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ValidateTOTP(code, secret, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = GenerateTOTP("", now)
	assert.Error(t, err)
	_, err = ValidateTOTP("", secret, now)
	assert.Error(t, err)
}

func TestCodes(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := &Codes{
		Lookup: func(key string) (string, bool) {
			if key == "SCRY_TOTP_GOOGLE" {
				return secret, true
			}
			return "", false
		},
		Now: func() time.Time { return now },
	}

	code, err := c.Code("google")
	require.NoError(t, err)
	want, err := GenerateTOTP(secret, now)
	require.NoError(t, err)
	assert.Equal(t, want, code)

	_, err = c.Code("github")
	assert.ErrorContains(t, err, "SCRY_TOTP_GITHUB")
}
