package bootstrap

import (
	_ "embed"
	"fmt"
)

//go:embed default.yaml
var defaultManifest []byte

// DefaultManifest returns the LAMP + WordPress manifest. The database password
// is read from the db_password secret, which callers usually point at the
// stack's Secrets Manager secret.
func DefaultManifest() *Manifest {
	m, err := ParseManifest(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("embedded manifest: %v", err))
	}
	return m
}
