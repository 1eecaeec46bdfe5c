package app

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	margin := time.Minute

	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return s
	}

	cases := []struct {
		name    string
		token   string
		expired bool
	}{
		{"plenty of time left", sign(jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}), false},
		{"already expired", sign(jwt.MapClaims{"exp": now.Add(-time.Minute).Unix()}), true},
		{"inside the safety margin", sign(jwt.MapClaims{"exp": now.Add(30 * time.Second).Unix()}), true},
		{"no expiry claim", sign(jwt.MapClaims{"sub": "user-1"}), true},
		{"not a jwt", "garbage", true},
		{"empty token", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tokenExpired(tc.token, margin, now); got != tc.expired {
				t.Fatalf("tokenExpired = %v, want %v", got, tc.expired)
			}
		})
	}
}
