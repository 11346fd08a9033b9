package db

import (
	"strings"

	"github.com/teranos/vetta/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically while the server shuts down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the database connection is closed.
// Driver errors are not wrapped at the source, so their message is checked too.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
