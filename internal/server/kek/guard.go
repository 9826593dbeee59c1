// Package kek guards the per-request handling of the client-supplied
// key-encryption key. The KEK exists server-side only for the duration of a
// single request: it is parsed out of the request headers, threaded through
// the handler via the request context, and zeroized when the handler
// returns. Nothing in this package (or anything it hands the key to) may
// write the key to durable storage, caches, or logs.
package kek

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/cryptox"
)

// Material is the request-scoped key-encryption key and, when the client
// stated one, the salt generation it was derived under.
type Material struct {
	Key []byte

	// KeyVersion is 0 when the client did not send X-Key-Version; otherwise
	// the server rejects the key outright if it is not the current generation.
	KeyVersion int64
}

type ctxKey struct{}

// FromRequest parses the X-KEK and X-Key-Version headers. An absent KEK
// header returns (nil, nil) — whether that is acceptable depends on the
// operation and the user's migration state, which the services decide.
// A malformed header or a key that is not exactly cryptox.KeySize bytes
// yields common.ErrInvalidInput; past this point an unwrap failure can only
// mean the key itself is wrong or stale.
func FromRequest(r *http.Request) (*Material, error) {
	header := r.Header.Get(common.KEKHeaderName)
	if header == "" {
		return nil, nil
	}

	key, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, common.ErrInvalidInput
	}
	if len(key) != cryptox.KeySize {
		common.WipeByteArray(key)
		return nil, common.ErrInvalidInput
	}

	m := &Material{Key: key}

	if v := r.Header.Get(common.KeyVersionHeaderName); v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil || version < 1 {
			common.WipeByteArray(m.Key)
			return nil, common.ErrInvalidInput
		}
		m.KeyVersion = version
	}

	return m, nil
}

// NewContext returns a child context carrying the KEK material.
func NewContext(ctx context.Context, m *Material) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// FromContext returns the request's KEK material, or nil if none was sent.
func FromContext(ctx context.Context) *Material {
	m, _ := ctx.Value(ctxKey{}).(*Material)
	return m
}

// Middleware extracts the KEK into the request context and wipes it after
// the handler returns, bounding the key's lifetime to the request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, err := FromRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid input"}`))
			return
		}
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		defer common.WipeByteArray(m.Key)
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), m)))
	})
}
