// Package version holds build-time version metadata.
package version

var (
	Version   = "dev"
	Commit    = "none"
	Date      = "unknown"
	GoVersion = ""

	// PluginPrefix is the installation prefix of the nix-ffi plugin. It is
	// set with -ldflags "-X github.com/kahiteam/nixffi/internal/version.PluginPrefix=/nix/store/..."
	// and serves as the default for helper.plugin_prefix.
	PluginPrefix = ""
)
