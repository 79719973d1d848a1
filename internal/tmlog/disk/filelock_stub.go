//go:build !unix

package disk

import "os"

// lockFile is a stub on non-Unix platforms.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
