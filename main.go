// Package main is the entry point for the sqlite-sidecar engine.
package main

import (
	"github.com/zhubert/sqlite-sidecar/cmd"
)

func main() {
	cmd.Execute()
}
