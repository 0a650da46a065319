package config

// DefaultConfigTOML is a complete, commented sample nixffi.toml.
const DefaultConfigTOML = `# nixffi configuration file

[helper]
# executable = "nix"            # resolved on $PATH unless it contains a slash
# plugin_prefix = ""            # nix-ffi install prefix (default: build-time value)
# plugin_dir = ""               # overrides <plugin_prefix>/lib/nix/plugins
# extra_args = []               # inserted before the ffi-helper subcommand
# env_file = ""                 # KEY=VALUE file merged into the helper environment
# clean_environment = false     # start from an empty environment
# test_root = ""                # point nix at a private store below this directory
# request_timeout = 0           # seconds per temp root request (0 = no limit)
# shutdown_timeout = 0          # seconds to wait for the helper to exit (0 = no limit)
# [helper.environment]
# NIX_REMOTE = "daemon"

[log]
# level = "info"                # debug, info, warn, error
# format = "auto"               # json, text, auto (text on a terminal)

[metrics]
# listen = ""                   # e.g. "127.0.0.1:9477" to serve /metrics

[control]
# socket = ""                   # unix socket for "nixffi ctl", e.g. "/run/nixffi.sock"
# chmod = "0700"                # socket file permissions
# listen = ""                   # optional TCP address, e.g. "127.0.0.1:9478"
# username = ""                 # basic auth on TCP; unix clients are trusted
# password = ""                 # bcrypt hash from "nixffi hash-password"
`
