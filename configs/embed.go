package configs

import _ "embed"

// Defaults is the shipped baseline configuration. Values from the user's
// config file and command-line flags are layered on top of it.
//
//go:embed default.yaml
var Defaults []byte
