package statecodec

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	c := New("test-secret")
	s := NewState("tenant-1", "popup")

	got, err := c.Verify(c.Sign(s))
	if err != nil {
		t.Fatalf("Verify(Sign(s)) error: %v", err)
	}
	if got.TenantID != s.TenantID {
		t.Errorf("TenantID = %q, want %q", got.TenantID, s.TenantID)
	}
	if got.Nonce != s.Nonce {
		t.Errorf("Nonce = %q, want %q", got.Nonce, s.Nonce)
	}
	if got.Display != "popup" {
		t.Errorf("Display = %q, want popup", got.Display)
	}
	if !got.IssuedAt.Equal(s.IssuedAt) {
		t.Errorf("IssuedAt = %v, want %v", got.IssuedAt, s.IssuedAt)
	}
}

func TestVerifyTamperedToken(t *testing.T) {
	c := New("test-secret")
	token := c.Sign(NewState("tenant-1", ""))

	payloadSeg, sigSeg, _ := strings.Cut(token, ".")

	flip := func(seg string) string {
		raw, err := base64.RawURLEncoding.DecodeString(seg)
		if err != nil {
			t.Fatalf("decoding segment: %v", err)
		}
		raw[0] ^= 0x01
		return base64.RawURLEncoding.EncodeToString(raw)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"flipped payload byte", flip(payloadSeg) + "." + sigSeg},
		{"flipped signature byte", payloadSeg + "." + flip(sigSeg)},
		{"missing separator", payloadSeg + sigSeg},
		{"empty token", ""},
		{"garbage", "not-a-token"},
		{"non-base64 payload", "!!!." + sigSeg},
		{"non-base64 signature", payloadSeg + ".!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Verify(tt.token); !errors.Is(err, ErrInvalidState) {
				t.Errorf("Verify(%q) error = %v, want ErrInvalidState", tt.token, err)
			}
		})
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	token := New("secret-a").Sign(NewState("tenant-1", ""))
	if _, err := New("secret-b").Verify(token); !errors.Is(err, ErrInvalidState) {
		t.Errorf("error = %v, want ErrInvalidState", err)
	}
}

func TestVerifyWithin(t *testing.T) {
	c := New("test-secret")

	fresh := c.Sign(NewState("tenant-1", ""))
	if _, err := c.VerifyWithin(fresh, time.Hour); err != nil {
		t.Errorf("fresh token should verify: %v", err)
	}

	stale := State{TenantID: "tenant-1", Nonce: "n", IssuedAt: time.Now().Add(-2 * time.Hour)}
	if _, err := c.VerifyWithin(c.Sign(stale), time.Hour); !errors.Is(err, ErrStateExpired) {
		t.Errorf("error = %v, want ErrStateExpired", err)
	}
}
