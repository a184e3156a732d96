package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cryptosim/sim-engine/internal/errs"
)

// bearerGuard rejects requests without a valid HS256 bearer token signed
// with secret.
func bearerGuard(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeError(w, r, errs.New(errs.Unauthorized, "missing bearer token"))
				return
			}
			if err := validateToken(raw, secret); err != nil {
				writeError(w, r, errs.Wrap(errs.Unauthorized, err, "invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validateToken(raw string, secret []byte) error {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("token is not valid")
	}
	return nil
}
