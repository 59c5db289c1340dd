package web

import "embed"

// Assets holds the browser console page.
//
//go:embed static
var Assets embed.FS
