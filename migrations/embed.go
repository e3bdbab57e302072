// Package migrations embeds the SQL schema and development seeds.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

//go:embed seeds/*.sql
var seedFiles embed.FS

// SQL returns the embedded migration files rooted at their directory.
func SQL() fs.FS { return mustSub(sqlFiles, "sql") }

// Seeds returns the embedded seed files rooted at their directory.
func Seeds() fs.FS { return mustSub(seedFiles, "seeds") }

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
