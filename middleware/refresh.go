package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// RefreshTokenHeader carries a refresh token outside the request body.
const RefreshTokenHeader = "X-Refresh-Token"

const maxRefreshBody = 8 << 10

// RefreshTokenFromRequest reads the refresh token from the X-Refresh-Token
// header, falling back to a JSON body of the form {"refresh_token": "..."}.
// The body is consumed only when the header is absent.
func RefreshTokenFromRequest(r *http.Request) (string, bool) {
	if token := strings.TrimSpace(r.Header.Get(RefreshTokenHeader)); token != "" {
		return token, true
	}
	if r.Body == nil {
		return "", false
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRefreshBody)).Decode(&body); err != nil {
		return "", false
	}
	token := strings.TrimSpace(body.RefreshToken)
	return token, token != ""
}
