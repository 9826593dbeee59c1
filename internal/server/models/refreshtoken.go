package models

import "time"

// RefreshToken is a server-stored session continuation token. Only the
// random Token string ever reaches the client; presenting it after Expires
// fails, and rotation replaces the row rather than updating it.
type RefreshToken struct {
	ID        string
	UserID    string
	Token     string
	Expires   time.Time
	CreatedAt time.Time
}
