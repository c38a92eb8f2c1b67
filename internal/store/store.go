// Package store defines the local path-addressed file store the sync
// engine writes into.
package store

// Store is the hierarchical read/write/delete surface over the sync root.
// All paths are slash-separated and relative to the root.
type Store interface {
	// EnsureDir creates dir (and parents) when absent.
	EnsureDir(dir string) error
	// Exists reports whether a file or directory exists at path.
	Exists(path string) bool
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically replaces the file at path, creating parents as needed.
	Write(path string, data []byte) error
	// Delete removes the file at path. Deleting a missing file is not an error.
	Delete(path string) error
	// FindBySuffix returns the name of the first direct child of dir whose
	// name ends with suffix, or "" when there is none.
	FindBySuffix(dir, suffix string) (string, error)
}
