package engine

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const dbFileName = "runlane.db"

type DBOptions struct {
	// InMemory runs sqlite in memory only and persists nothing to disk.
	InMemory bool

	// ForTest opens a uniquely named in-memory database so parallel tests
	// never share state. Only meaningful together with InMemory.
	ForTest bool

	// Directory is where the database file lives when persisting to disk.
	Directory string
}

// OpenDB opens the sqlite database described by opts and verifies the
// connection.
func OpenDB(opts DBOptions) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	if opts.InMemory {
		if opts.ForTest {
			dbName := fmt.Sprintf("sqlite_%s", strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String()))
			db, err = sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", dbName))
		} else {
			db, err = sql.Open("sqlite", "file:runlane?mode=memory&cache=shared")
		}
	} else {
		dir := opts.Directory
		if dir == "" {
			dir = "."
		}
		if !filepath.IsAbs(dir) {
			wd, wdErr := os.Getwd()
			if wdErr != nil {
				return nil, wdErr
			}
			dir = filepath.Join(wd, dir)
		}

		if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, err
			}
		}

		file := filepath.Join(dir, dbFileName)
		db, err = sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared", file))
	}
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return db, nil
}
