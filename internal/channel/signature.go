package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	// SignatureHeader carries sha256=<hex hmac> of the raw body.
	SignatureHeader = "X-Hub-Signature-256"
	// TelegramSecretHeader carries the secret_token registered with setWebhook.
	TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	signaturePrefix = "sha256="
)

// DeriveSecret is the webhook key for a platform token: SHA-256 of the token.
func DeriveSecret(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// SecretToken is the printable form of DeriveSecret. It is the Telegram
// secret_token and the Meta verify token.
func SecretToken(token string) string {
	return hex.EncodeToString(DeriveSecret(token))
}

// Sign renders the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a signature header value against body in constant time.
func VerifyHMAC(secret, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if len(secret) == 0 || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// VerifyToken compares a shared-secret header in constant time.
func VerifyToken(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
