package version

// Set at build time with -ldflags "-X github.com/mykhaliev/protocol-bench/version.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// String returns the one-line build description printed by the CLI.
func String() string {
	return Version + " (commit " + Commit + ", built " + BuildDate + ")"
}
