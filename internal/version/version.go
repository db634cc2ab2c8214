package version

// Version and Commit are stamped at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)
