package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// ParseJWTClaims decodes the payload segment of a JWT without verifying the
// signature. The gateway only needs the expiry and account claims; signature
// verification is the upstream's job.
func ParseJWTClaims(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidJWT
	}
	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// tokenExpiry returns the exp claim of an access token, or the zero time when
// the token is opaque or carries no expiry.
func tokenExpiry(accessToken string) time.Time {
	claims, err := ParseJWTClaims(accessToken)
	if err != nil {
		return time.Time{}
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}
	}
	return time.Unix(int64(exp), 0)
}

// accountIDFromToken extracts the ChatGPT account ID claim from an id_token.
func accountIDFromToken(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims, err := ParseJWTClaims(idToken)
	if err != nil {
		return ""
	}
	authClaims, ok := claims["https://api.openai.com/auth"].(map[string]any)
	if !ok {
		return ""
	}
	if aid, ok := authClaims["chatgpt_account_id"].(string); ok {
		return aid
	}
	return ""
}
