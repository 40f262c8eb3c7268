package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"
)

const tokenAudience = "relaysync"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

// stringList decodes a claim written either as one string or as an array.
// A single string is split on whitespace, the OAuth convention for scopes.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = strings.Fields(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

type jwtPayload struct {
	Sub    string     `json:"sub"`
	Exp    *int64     `json:"exp"`
	Aud    stringList `json:"aud"`
	Scopes stringList `json:"scopes"`
}

// authorizeBearer verifies an HS256 token for this API and, when
// requiredScope is set, that the token grants it.
func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	payload, authErr := verifyHS256(strings.TrimSpace(raw), jwtSecret)
	if authErr != nil {
		return tokenClaims{}, authErr
	}

	var claims jwtPayload
	if err := json.Unmarshal(payload, &claims); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	switch {
	case strings.TrimSpace(claims.Sub) == "":
		return tokenClaims{}, unauthorized("missing sub claim")
	case claims.Exp == nil:
		return tokenClaims{}, unauthorized("invalid exp claim")
	case now.Unix() >= *claims.Exp:
		return tokenClaims{}, unauthorized("token expired")
	case !slices.Contains(claims.Aud, tokenAudience):
		return tokenClaims{}, unauthorized("invalid aud claim")
	}

	scopes := make(map[string]struct{}, len(claims.Scopes))
	for _, scope := range claims.Scopes {
		if scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	if _, granted := scopes[requiredScope]; requiredScope != "" && !granted {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return tokenClaims{Subject: claims.Sub, Scopes: scopes, Exp: *claims.Exp}, nil
}

// verifyHS256 checks the header and signature of a compact JWT and returns
// its decoded payload.
func verifyHS256(token, secret string) ([]byte, *authError) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, unauthorized("invalid jwt format")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || json.Unmarshal(headerBytes, &header) != nil {
		return nil, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return nil, unauthorized("unsupported jwt algorithm")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, unauthorized("jwt signature mismatch")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, unauthorized("invalid jwt payload")
	}
	return payload, nil
}
