package store

import (
	"os"
	"path/filepath"
	"time"
)

// Source is the action taken to obtain an index at startup.
type Source string

const (
	SourceLoadNative   Source = "load_native"
	SourceLoadManaged  Source = "load_managed"
	SourceBuildManaged Source = "build_managed"
)

// SelectSource decides how to obtain the index: a persisted native index wins,
// then a persisted managed index, otherwise a fresh managed build.
// forceRebuild ignores anything persisted.
func SelectSource(nativeExists, managedExists, forceRebuild bool) Source {
	switch {
	case forceRebuild:
		return SourceBuildManaged
	case nativeExists:
		return SourceLoadNative
	case managedExists:
		return SourceLoadManaged
	default:
		return SourceBuildManaged
	}
}

// ModTime returns the most recent modification time of path or any file below it.
func ModTime(path string) (time.Time, bool) {
	var latest time.Time
	found := false
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !found || info.ModTime().After(latest) {
			latest = info.ModTime()
			found = true
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false
	}
	return latest, found
}
