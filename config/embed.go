// Package config carries the embedded default configuration shipped with the
// binary. User conf.yaml files are merged on top of it.
package config

import _ "embed"

//go:embed conf.default.yaml
var Default []byte
