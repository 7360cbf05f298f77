package web

import "embed"

// StaticFS embeds the browser-side activity listener.
//
//go:embed static/*
var StaticFS embed.FS
