package auth

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	b64 := base64.RawURLEncoding.EncodeToString
	return b64([]byte(`{"alg":"none"}`)) + "." + b64(payload) + ".sig"
}

func TestParseJWTClaims(t *testing.T) {
	token := makeJWT(t, map[string]any{"sub": "user-1", "exp": float64(1700000000)})
	claims, err := ParseJWTClaims(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims["sub"] != "user-1" {
		t.Errorf("sub = %v", claims["sub"])
	}
}

func TestParseJWTClaimsInvalid(t *testing.T) {
	for _, bad := range []string{"", "one.two", "a.b.c.d", "x.!!!!.z"} {
		if _, err := ParseJWTClaims(bad); err == nil {
			t.Errorf("no error for %q", bad)
		}
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	token := makeJWT(t, map[string]any{"exp": float64(exp)})
	got := tokenExpiry(token)
	if got.Unix() != exp {
		t.Errorf("expiry = %v, want unix %d", got, exp)
	}

	if !tokenExpiry("opaque-token").IsZero() {
		t.Error("opaque token should have zero expiry")
	}
	if !tokenExpiry(makeJWT(t, map[string]any{"sub": "x"})).IsZero() {
		t.Error("missing exp claim should give zero expiry")
	}
}

func TestAccountIDFromToken(t *testing.T) {
	token := makeJWT(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{"chatgpt_account_id": "acct_1"},
	})
	if got := accountIDFromToken(token); got != "acct_1" {
		t.Errorf("account id = %q", got)
	}
	if got := accountIDFromToken(makeJWT(t, map[string]any{"sub": "x"})); got != "" {
		t.Errorf("account id = %q, want empty", got)
	}
	if got := accountIDFromToken(""); got != "" {
		t.Errorf("account id = %q, want empty", got)
	}
}
