//go:build embed
// +build embed

package main

import "embed"

//go:embed model/*
var modelFiles embed.FS
