package file

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FindRecentAfter walks dir and returns the regular files modified after
// startTime, sorted by path. Dot files and dot directories are skipped.
// A zero startTime matches every file.
func FindRecentAfter(dir string, startTime time.Time) ([]string, error) {
	var recentFiles []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo,
		err error) error {
		if err != nil {
			return err
		}

		if path != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.Mode().IsRegular() && info.ModTime().After(startTime) {
			recentFiles = append(recentFiles, path)
		}
		return nil
	})

	sort.Strings(recentFiles)
	return recentFiles, err
}
