package common

import "os"

// WriteMarker writes an empty outcome marker file at path, fsyncing it
// before close so a crash immediately after this call can't leave behind
// a marker the filesystem never actually persisted - the SUCCESS/FAIL
// files are the sole source of truth for job completion, so a
// half-written one would be silently treated as "never ran".
func WriteMarker(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
