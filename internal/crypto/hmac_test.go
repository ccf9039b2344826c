package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

func TestWebhookVerifier_Verify(t *testing.T) {
	body := []byte(`{"referenceId":"inv-1","payerHandle":"Alice","amount":"12.34"}`)
	v := NewWebhookVerifier(map[string]string{"guild-1": "s3cret", "guild-2": ""})

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	b64 := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	hexSig := Sign("s3cret", body)

	tests := []struct {
		name    string
		tenant  string
		body    []byte
		sig     string
		wantErr error
	}{
		{"hex", "guild-1", body, hexSig, nil},
		{"upper hex", "guild-1", body, strings.ToUpper(hexSig), nil},
		{"prefixed hex", "guild-1", body, "sha256=" + hexSig, nil},
		{"base64", "guild-1", body, b64, nil},
		{"tampered body", "guild-1", append([]byte(nil), append(body, ' ')...), hexSig, domain.ErrSignatureInvalid},
		{"wrong secret", "guild-1", body, Sign("other", body), domain.ErrSignatureInvalid},
		{"empty signature", "guild-1", body, "", domain.ErrSignatureInvalid},
		{"garbage", "guild-1", body, "zz!!", domain.ErrSignatureInvalid},
		{"truncated", "guild-1", body, hexSig[:40], domain.ErrSignatureInvalid},
		{"empty secret fails closed", "guild-2", body, Sign("", body), domain.ErrUnknownTenant},
		{"unknown tenant", "guild-9", body, hexSig, domain.ErrUnknownTenant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.tenant, tt.body, tt.sig)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Verify() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWebhookVerifier_StringRedacts(t *testing.T) {
	v := NewWebhookVerifier(map[string]string{"b": "topsecret", "a": "x"})
	s := v.String()
	if strings.Contains(s, "topsecret") {
		t.Errorf("String() leaked secret: %s", s)
	}
	if got := v.Tenants(); len(got) != 2 || got[0] != "a" {
		t.Errorf("Tenants() = %v", got)
	}
	v.SetSecret("a", "")
	if got := v.Tenants(); len(got) != 1 {
		t.Errorf("Tenants() after removal = %v", got)
	}
}
