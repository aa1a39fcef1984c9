// Package auth generates one-time codes for scenario logins.
package auth

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// SecretEnvPrefix prefixes the environment variable holding a named TOTP
// secret: {{totp.google}} reads SCRY_TOTP_GOOGLE.
const SecretEnvPrefix = "SCRY_TOTP_"

var opts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

func cleanSecret(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
}

// GenerateTOTP returns the code for secret at t.
func GenerateTOTP(secret string, t time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("totp secret cannot be empty")
	}
	passcode, err := totp.GenerateCodeCustom(cleanSecret(secret), t.UTC(), opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate totp code: %w", err)
	}
	return passcode, nil
}

func ValidateTOTP(passcode, secret string, t time.Time) (bool, error) {
	if secret == "" {
		return false, fmt.Errorf("totp secret cannot be empty")
	}
	if passcode == "" {
		return false, fmt.Errorf("passcode cannot be empty")
	}
	valid, err := totp.ValidateCustom(passcode, cleanSecret(secret), t.UTC(), opts)
	if err != nil {
		return false, fmt.Errorf("failed to validate totp code: %w", err)
	}
	return valid, nil
}

// Codes resolves named TOTP secrets to current codes.
type Codes struct {
	Lookup func(key string) (string, bool)
	Now    func() time.Time
}

// EnvCodes reads secrets from the process environment.
func EnvCodes() *Codes {
	return &Codes{Lookup: os.LookupEnv, Now: time.Now}
}

// Code returns the current code for the secret called name.
func (c *Codes) Code(name string) (string, error) {
	key := SecretEnvPrefix + strings.ToUpper(name)
	secret, ok := c.Lookup(key)
	if !ok || secret == "" {
		return "", fmt.Errorf("totp secret %s is not set", key)
	}
	return GenerateTOTP(secret, c.Now())
}
