// Package migrations embeds the schema migrations and seed files so binaries
// can apply them without a checkout.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql seeds/*.sql
var files embed.FS

// SQL holds the *.up.sql and *.down.sql migrations.
func SQL() fs.FS { return sub("sql") }

// Seeds holds idempotent seed files.
func Seeds() fs.FS { return sub("seeds") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return f
}
