package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

// WebhookVerifier authenticates inbound webhook bodies with per-tenant
// HMAC-SHA256 secrets. A tenant without a secret is rejected outright.
type WebhookVerifier struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewWebhookVerifier creates a verifier from a tenant -> secret map. Empty
// secrets are dropped so they can never verify anything.
func NewWebhookVerifier(secrets map[string]string) *WebhookVerifier {
	v := &WebhookVerifier{secrets: make(map[string][]byte, len(secrets))}
	for tenant, s := range secrets {
		v.SetSecret(tenant, s)
	}
	return v
}

// SetSecret installs or, when secret is empty, removes a tenant secret.
func (v *WebhookVerifier) SetSecret(tenant, secret string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if secret == "" {
		delete(v.secrets, tenant)
		return
	}
	v.secrets[tenant] = []byte(secret)
}

// Verify checks signature against body for tenant. The signature may be hex
// or standard base64, optionally prefixed with "sha256=". It returns
// domain.ErrUnknownTenant when no secret is configured and
// domain.ErrSignatureInvalid on any mismatch.
func (v *WebhookVerifier) Verify(tenant string, body []byte, signature string) error {
	v.mu.RLock()
	secret, ok := v.secrets[tenant]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("crypto: tenant %q: %w", tenant, domain.ErrUnknownTenant)
	}

	provided, err := decodeSignature(signature)
	if err != nil {
		return fmt.Errorf("crypto: %w: %v", domain.ErrSignatureInvalid, err)
	}
	if !hmac.Equal(provided, hmacSHA256(secret, body)) {
		return domain.ErrSignatureInvalid
	}
	return nil
}

// Tenants returns the configured tenant ids in sorted order.
func (v *WebhookVerifier) Tenants() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.secrets))
	for t := range v.secrets {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// String returns a redacted representation suitable for logging.
func (v *WebhookVerifier) String() string {
	return fmt.Sprintf("WebhookVerifier{tenants=%v, secrets=****}", v.Tenants())
}

// Sign returns the hex HMAC-SHA256 of body under secret. Relays and tests use
// it to produce valid signatures.
func Sign(secret string, body []byte) string {
	return hex.EncodeToString(hmacSHA256([]byte(secret), body))
}

func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimSpace(sig)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return nil, fmt.Errorf("empty signature")
	}
	if len(sig) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(sig); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(sig); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("signature is neither hex nor base64")
}

// hmacSHA256 computes HMAC-SHA256 of message using key.
func hmacSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}
