package common

// Header names used to carry auth material on HTTP requests.
const (
	// AccessTokenHeaderName carries the bearer access token.
	AccessTokenHeaderName = "Authorization"

	// KEKHeaderName carries the base64-encoded key-encryption key on
	// credential-bearing requests. The value is used in memory for the
	// duration of one request and never persisted or logged.
	KEKHeaderName = "X-KEK"

	// KeyVersionHeaderName optionally carries the salt generation the KEK
	// was derived under, letting the server reject stale keys explicitly.
	KeyVersionHeaderName = "X-Key-Version"
)
