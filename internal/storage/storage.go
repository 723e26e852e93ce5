// Package storage defines the object-store contract used for sandbox backups
// and preview artifacts. DiskStore is the production store for single-node
// deployments; the in-memory store backs tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ObjectStore is the minimal surface the sandbox manager needs. Keys are
// chat-scoped: "<userId>/<chatId>/...".
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// DeletePrefix removes every object under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// BackupKey is the full source archive for a chat.
func BackupKey(userID, chatID string) string {
	return fmt.Sprintf("%s/%s/source_backup.tar.gz", userID, chatID)
}

// SnapshotKey is the compact JSON-of-small-files object for fast cold reads.
func SnapshotKey(userID, chatID string) string {
	return fmt.Sprintf("%s/%s/source_snapshot.json.gz", userID, chatID)
}

// PreviewPrefix scopes deployed preview artifacts.
func PreviewPrefix(userID, chatID string) string {
	return fmt.Sprintf("%s/%s/preview/", userID, chatID)
}

// ChatPrefix scopes everything persisted for a chat, for recursive deletes.
func ChatPrefix(userID, chatID string) string {
	return fmt.Sprintf("%s/%s/", userID, chatID)
}
