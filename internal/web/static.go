package web

import "embed"

// staticFiles is the browser UI: index.html plus its script and styles.
//
//go:embed static/*
var staticFiles embed.FS
