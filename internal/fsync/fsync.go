// Package fsync flushes blob files and their directories to stable storage.
package fsync

import "os"

// Fdatasync flushes the data of f, skipping metadata such as access times
// where the operating system allows it.
//
// An error leaves the file in an unknown state. Modified pages may have been
// marked clean already, so retrying proves nothing.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}

// Dir makes the entries of dir durable, so that a file created or renamed in
// it survives a crash.
func Dir(dir string) error {
	return syncDir(dir)
}
