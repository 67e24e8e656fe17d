// Package defaults provides embedded starter files for the aki init
// subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// SystemMD is the example system prompt.
//
//go:embed system.example.md
var SystemMD []byte
