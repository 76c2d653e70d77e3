package utils

// Set via -ldflags at build time.
var (
	Version = "dev"
	GitHash = "unknown"
)
