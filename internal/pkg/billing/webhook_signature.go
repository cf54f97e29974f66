package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// VerifyWebhookAuthorization checks the shared-secret Authorization header the
// provider sends with every webhook delivery. A signature header, when
// present, is verified as HMAC-SHA256 over the raw payload instead.
func VerifyWebhookAuthorization(payload []byte, authorizationHeader, signatureHeader, webhookSecret string) bool {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return false
	}

	if sig := strings.TrimSpace(signatureHeader); sig != "" {
		decodedSig, err := hex.DecodeString(strings.ToLower(sig))
		if err != nil {
			return false
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(payload)
		return hmac.Equal(mac.Sum(nil), decodedSig)
	}

	auth := strings.TrimSpace(authorizationHeader)
	auth = strings.TrimPrefix(auth, "Bearer ")
	if auth == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth), []byte(secret)) == 1
}
