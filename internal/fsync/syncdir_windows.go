package fsync

// Directories cannot be opened for syncing on Windows; renames are durable
// once MoveFileEx returns.
func syncDir(dir string) error {
	return nil
}
