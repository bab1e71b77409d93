package fs

import (
	"fmt"
	"os"

	"github.com/sharedcode/fabric"
)

// ToFilePathFunc formats a base path and UUID into a filesystem path optimized for I/O locality.
type ToFilePathFunc func(basePath string, id fabric.UUID) string

// ToFilePath holds the package-wide path formatting function, DefaultToFilePath
// unless overridden. The file stores in this package key files by relative
// path and do not call it.
var ToFilePath ToFilePathFunc = DefaultToFilePath

// DefaultToFilePath formats a path by appending a 4-level folder hierarchy derived from the UUID.
// This reduces per-directory file counts and improves filesystem performance on large datasets.
func DefaultToFilePath(basePath string, id fabric.UUID) string {
	if len(basePath) > 0 && basePath[len(basePath)-1] == os.PathSeparator {
		return fmt.Sprintf("%s%s", basePath, Apply4LevelHierarchy(id))
	}
	return fmt.Sprintf("%s%c%s", basePath, os.PathSeparator, Apply4LevelHierarchy(id))
}

// Apply4LevelHierarchy maps a UUID to a 4-level directory structure using its first four hex digits;
// each level is named by the two-digit hex code of one digit's character.
// Example: abcd-... -> 61/62/63/64, enabling broad distribution across subfolders.
func Apply4LevelHierarchy(id fabric.UUID) string {
	s := id.String()
	ps := os.PathSeparator
	return fmt.Sprintf("%x%c%x%c%x%c%x", s[0], ps, s[1], ps, s[2], ps, s[3])
}
