package config

// Build metadata, interpolated with -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)
