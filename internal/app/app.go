// Package app defines application-wide types, constants, and context that
// are shared across cmd/slacd's subcommands.
package app

import (
	"os"
	"path/filepath"
)

// Name is the name of the application executable.
var Name = filepath.Base(os.Args[0])

// Context carries startup metadata that cmd/slacd/root.go attaches in
// PersistentPreRunE to the context of the invoked command's parent (the
// root command, when a subcommand runs).
type Context struct {
	Timestamp   string // Timestamp is when the process started.
	Version     string // Version is the running build's version string.
	Debug       bool   // Debug mirrors the --debug flag.
	LogFilePath string // LogFilePath is empty when logging to stdout.
}

// Flag names shared between cmd/slacd's root command and its subcommands.
const (
	FlagDebugName     = "debug"
	FlagLogLevelName  = "log-level"
	FlagLogFileName   = "log-file"
	FlagInterfaceName = "interface"
	FlagEvseIDName    = "evse-id"
	FlagConfigName    = "config"
)
