package app

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpired decodes the bearer token's claimed expiry without verifying
// any signature — signature verification is the server's job. A token with
// less than margin remaining counts as expired, so a request issued now
// cannot expire mid-flight. Undecodable tokens and tokens without an
// expiry claim are expired, never a parse error that blocks the UI.
func tokenExpired(token string, margin time.Duration, now time.Time) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return now.Add(margin).After(exp.Time)
}
