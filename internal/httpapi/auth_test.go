package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func signTestToken(t *testing.T, secret string, header, payload map[string]any) string {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestAuthorizeBearer(t *testing.T) {
	const secret = "dev-secret"
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	hs256 := map[string]any{"alg": "HS256", "typ": "JWT"}
	valid := func(overrides map[string]any) map[string]any {
		payload := map[string]any{
			"sub":    "agent_1",
			"exp":    now.Add(time.Hour).Unix(),
			"aud":    tokenAudience,
			"scopes": []string{"sync:read", "sync:write"},
		}
		for k, v := range overrides {
			if v == nil {
				delete(payload, k)
				continue
			}
			payload[k] = v
		}
		return payload
	}

	cases := []struct {
		name       string
		header     string
		scope      string
		wantStatus int
		wantScopes int
	}{
		{name: "array audience", header: "Bearer " + signTestToken(t, secret, hs256, valid(map[string]any{"aud": []string{"billing", tokenAudience}})), scope: "sync:write", wantScopes: 2},
		{name: "space separated scopes", header: "Bearer " + signTestToken(t, secret, hs256, valid(map[string]any{"scopes": "sync:read sync:admin"})), scope: "sync:admin", wantScopes: 2},
		{name: "no bearer prefix", header: "Token abc", wantStatus: http.StatusUnauthorized},
		{name: "malformed token", header: "Bearer a.b", wantStatus: http.StatusUnauthorized},
		{name: "wrong algorithm", header: "Bearer " + signTestToken(t, secret, map[string]any{"alg": "none"}, valid(nil)), wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signTestToken(t, "other", hs256, valid(nil)), wantStatus: http.StatusUnauthorized},
		{name: "missing subject", header: "Bearer " + signTestToken(t, secret, hs256, valid(map[string]any{"sub": nil})), wantStatus: http.StatusUnauthorized},
		{name: "missing expiry", header: "Bearer " + signTestToken(t, secret, hs256, valid(map[string]any{"exp": nil})), wantStatus: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signTestToken(t, secret, hs256, valid(map[string]any{"exp": now.Unix()})), wantStatus: http.StatusUnauthorized},
		{name: "foreign audience", header: "Bearer " + signTestToken(t, secret, hs256, valid(map[string]any{"aud": []string{"billing"}})), wantStatus: http.StatusUnauthorized},
		{name: "no scopes", header: "Bearer " + signTestToken(t, secret, hs256, valid(map[string]any{"scopes": []string{}})), wantStatus: http.StatusForbidden},
		{name: "missing scope", header: "Bearer " + signTestToken(t, secret, hs256, valid(nil)), scope: "sync:admin", wantStatus: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims, authErr := authorizeBearer(tc.header, secret, tc.scope, now)
			if tc.wantStatus != 0 {
				if authErr == nil || authErr.status != tc.wantStatus {
					t.Fatalf("expected status %d, got %+v", tc.wantStatus, authErr)
				}
				return
			}
			if authErr != nil {
				t.Fatalf("unexpected auth error: %v", authErr)
			}
			if claims.Subject != "agent_1" || len(claims.Scopes) != tc.wantScopes {
				t.Fatalf("unexpected claims: %+v", claims)
			}
		})
	}
}
