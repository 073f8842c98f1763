package gallery

import (
	"errors"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var (
	// ErrStorageFull is returned when the device database cannot grow.
	// Callers must stop enrolling and surface this to the operator.
	ErrStorageFull = errors.New("device storage full")

	// ErrCorrupt marks a row whose vector failed its checksum. Corrupt rows
	// are skipped during scans, never matched against.
	ErrCorrupt = errors.New("corrupt embedding row")

	// ErrNotFound is returned for lookups of missing rows.
	ErrNotFound = errors.New("record not found")
)

// mapSQLiteErr translates low-level SQLite failures into the store's error
// taxonomy, keeping the original error wrapped for logs.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3lib.SQLITE_FULL:
			return errors.Join(ErrStorageFull, err)
		}
	}
	return err
}
