package domain

import "context"

// DocumentSource returns parsed, validated rule-list documents by URL.
// Implementation: two-tier source cache over HTTPS.
type DocumentSource interface {
	// Get returns the document for url, from cache when possible.
	Get(ctx context.Context, url string) (*RuleListDocument, error)
}

// ControlPlane is the thin folder/rule API of the DNS filtering service.
type ControlPlane interface {
	// ListFolders verifies access to the profile and lists its folders.
	// Access failures wrap ErrAccessDenied.
	ListFolders(ctx context.Context, profileID string) ([]RemoteFolder, error)

	// DeleteFolder removes a folder and its rules.
	DeleteFolder(ctx context.Context, profileID, folderID string) error

	// CreateFolder creates a folder. found is false when the response
	// carried no usable id and the caller must poll ListFolders.
	CreateFolder(ctx context.Context, profileID string, spec FolderSpec) (id string, found bool, err error)

	// ListRules lists rule identifiers in a folder, or the profile root when folderID is empty.
	ListRules(ctx context.Context, profileID, folderID string) ([]string, error)

	// PushRules creates one batch of rules in a folder.
	PushRules(ctx context.Context, profileID, folderID string, action RuleAction, status int, rules []string) error
}

// CredentialStore persists the API token at rest.
// Implementation: SQLCipher database keyed by a local key file.
type CredentialStore interface {
	// GetToken returns the stored token or ErrCredentialNotFound.
	GetToken() (string, error)

	// SetToken stores the token, replacing any previous one.
	SetToken(token string) error

	// Clear removes the stored token.
	Clear() error

	// Close releases the underlying database.
	Close() error
}
