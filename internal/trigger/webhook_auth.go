package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/conveyr/conveyr/pkg/schema"
)

// Header names checked during webhook authentication.
const (
	headerAPIKey        = "X-Api-Key"
	headerAuthorization = "Authorization"
	headerSignature     = "X-Webhook-Signature"
)

// authenticateWebhook checks an inbound delivery against the workflow's
// webhook settings. All secret comparisons are constant-time.
func authenticateWebhook(settings *schema.WebhookSettings, req WebhookRequest) error {
	authType := settings.AuthType
	if authType == "" {
		authType = schema.WebhookAuthNone
	}

	switch authType {
	case schema.WebhookAuthNone:
		return nil

	case schema.WebhookAuthAPIKey:
		key := req.Header(headerAPIKey)
		if key == "" || !secretsEqual(key, settings.Secret) {
			return schema.NewError(schema.ErrCodeUnauthorized, "invalid or missing API key")
		}
		return nil

	case schema.WebhookAuthBearer:
		auth := req.Header(headerAuthorization)
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !secretsEqual(token, settings.Secret) {
			return schema.NewError(schema.ErrCodeUnauthorized, "invalid or missing bearer token")
		}
		return nil

	case schema.WebhookAuthHMAC:
		sig := req.Header(headerSignature)
		if sig == "" {
			return schema.NewError(schema.ErrCodeUnauthorized, "missing signature")
		}
		// Accept both bare hex and the conventional "sha256=" prefix.
		sig = strings.TrimPrefix(sig, "sha256=")
		if !verifyHMAC(req.Body, settings.Secret, sig) {
			return schema.NewError(schema.ErrCodeUnauthorized, "signature mismatch")
		}
		return nil
	}

	return schema.NewErrorf(schema.ErrCodeValidation, "unknown webhook auth type %q", authType)
}

// verifyHMAC checks a hex-encoded SHA-256 HMAC of the raw request body.
func verifyHMAC(body []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func secretsEqual(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}

// SignPayload produces the hex HMAC signature a caller must send for a
// given body and secret. Exposed for tests and client tooling.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
