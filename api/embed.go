// Package api embeds the OpenAPI description of the HTTP surface.
package api

import "embed"

//go:embed openapi.yaml
var FS embed.FS
