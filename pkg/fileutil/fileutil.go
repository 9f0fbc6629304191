// Package fileutil provides small filesystem helper checks shared by Cage's
// config and task-store packages.
package fileutil

import "os"

// DirExists checks if a directory exists.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
