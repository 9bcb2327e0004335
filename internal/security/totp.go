package security

import (
	"strings"

	"github.com/pquerna/otp/totp"
)

// ValidateTOTP checks a one-time code against a base32 secret.
// An empty secret disables the second factor and always passes.
func ValidateTOTP(secret, code string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return true
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	return totp.Validate(code, secret)
}

// GenerateTOTPSecret creates a new TOTP secret for the admin account.
func GenerateTOTPSecret(account string) (secret string, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "o1relay",
		AccountName: account,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}
