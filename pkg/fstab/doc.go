// Package fstab reads and appends to the persistent mount table.
//
// Lines are parsed with github.com/deniswernert/go-fstab. Writes are
// append-only through Ensure, which skips entries whose identity (UUID for
// UUID= specs, mount point otherwise) is already present. RemoveMatching is
// reserved for one-shot legacy corrections and rewrites the file atomically,
// keeping comments intact.
package fstab
