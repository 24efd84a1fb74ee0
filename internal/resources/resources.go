// Package resources embeds the bundled default configuration documents.
package resources

import (
	"embed"
	"io/fs"
)

//go:embed defaults
var embedded embed.FS

// Defaults is rooted at the defaults directory, so "settings/profile.json"
// addresses a bundled file directly.
var Defaults fs.FS

func init() {
	sub, err := fs.Sub(embedded, "defaults")
	if err != nil {
		panic(err)
	}
	Defaults = sub
}
