//go:build !embed
// +build !embed

package main

import "embed"

// Empty when the binary is built without the embed tag; the model is then
// loaded from the configured model directory.
var modelFiles embed.FS
