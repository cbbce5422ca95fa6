package domain

import "errors"

var (
	// ErrAccessDenied is returned when profile verification fails with 401/403/404.
	ErrAccessDenied = errors.New("access denied")

	// ErrNoDocuments is returned when no source document could be fetched.
	ErrNoDocuments = errors.New("no valid source documents")

	// ErrDataIntegrity marks malformed, oversized or disallowed source content.
	ErrDataIntegrity = errors.New("data integrity")

	// ErrCacheLocked is returned when another process owns the cache file.
	ErrCacheLocked = errors.New("cache locked by another process")

	// ErrCredentialNotFound is returned when no token is stored.
	ErrCredentialNotFound = errors.New("credential not found")
)
