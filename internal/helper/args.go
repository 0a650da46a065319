package helper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// DefaultExecutable is the program looked up on $PATH when
	// Options.Executable is empty.
	DefaultExecutable = "nix"

	// Subcommand is the nix command implemented by the ffi plugin.
	Subcommand = "ffi-helper"

	// defaultSearchPath mirrors the C library default for an unset $PATH.
	defaultSearchPath = "/bin:/usr/bin"
)

// fixedArgs enable the nix-command feature and load the plugin directory,
// which follows as the next argument.
var fixedArgs = []string{"--extra-experimental-features", "nix-command", "--extra-plugin-files"}

// PluginDir returns the plugin directory below an installation prefix.
func PluginDir(prefix string) string {
	return filepath.Join(prefix, "lib", "nix", "plugins")
}

// ProcessArgs holds the NUL-terminated argument, environment and search
// path buffers handed to execve, together with the nil-terminated pointer
// arrays into them. A ProcessArgs must stay reachable until the fork that
// uses it has returned in the parent.
type ProcessArgs struct {
	Argv       [][]byte
	Envp       [][]byte
	Candidates [][]byte

	// InheritEnv is set when Envp is a snapshot of the caller's
	// environment rather than an explicit mapping.
	InheritEnv bool

	argvp []*byte
	envpp []*byte
	pathp []*byte
}

// BuildArgs assembles the helper's argv, envp and executable search
// candidates from opts.
func BuildArgs(opts Options) (*ProcessArgs, error) {
	exe := opts.Executable
	if exe == "" {
		exe = DefaultExecutable
	}
	if opts.PluginDir == "" {
		return nil, errors.New("plugin directory is required")
	}
	if !filepath.IsAbs(opts.PluginDir) {
		return nil, fmt.Errorf("plugin directory %q is not absolute", opts.PluginDir)
	}

	words := make([]string, 0, len(fixedArgs)+len(opts.ExtraArgs)+3)
	words = append(words, exe)
	words = append(words, fixedArgs...)
	words = append(words, opts.PluginDir)
	words = append(words, opts.ExtraArgs...)
	words = append(words, Subcommand)

	pa := &ProcessArgs{}
	for i, w := range words {
		b, err := cstring(w)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		pa.Argv = append(pa.Argv, b)
	}

	if opts.Env == nil {
		pa.InheritEnv = true
		for _, kv := range os.Environ() {
			b, err := cstring(kv)
			if err != nil {
				continue
			}
			pa.Envp = append(pa.Envp, b)
		}
	} else {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == "" || strings.ContainsRune(k, '=') {
				return nil, fmt.Errorf("invalid environment variable name %q", k)
			}
			b, err := cstring(k + "=" + opts.Env[k])
			if err != nil {
				return nil, fmt.Errorf("environment variable %s: %w", k, err)
			}
			pa.Envp = append(pa.Envp, b)
		}
	}

	path, ok := os.LookupEnv("PATH")
	if !ok {
		path = defaultSearchPath
	}
	for _, c := range searchCandidates(exe, path) {
		b, err := cstring(c)
		if err != nil {
			return nil, fmt.Errorf("executable path: %w", err)
		}
		pa.Candidates = append(pa.Candidates, b)
	}

	pa.argvp = pointers(pa.Argv)
	pa.envpp = pointers(pa.Envp)
	pa.pathp = pointers(pa.Candidates)
	return pa, nil
}

// Strings returns argv without terminators, for logging.
func (pa *ProcessArgs) Strings() []string {
	out := make([]string, len(pa.Argv))
	for i, b := range pa.Argv {
		out[i] = string(b[:len(b)-1])
	}
	return out
}

// searchCandidates lists the paths execvp would try for file, in order.
func searchCandidates(file, path string) []string {
	if strings.ContainsRune(file, '/') {
		return []string{file}
	}
	var out []string
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		out = append(out, dir+"/"+file)
	}
	return out
}

func cstring(s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, fmt.Errorf("%q contains a NUL byte", s)
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b, nil
}

// pointers returns a nil-terminated array of pointers to the first byte of
// each buffer.
func pointers(bufs [][]byte) []*byte {
	out := make([]*byte, len(bufs)+1)
	for i, b := range bufs {
		out[i] = &b[0]
	}
	return out
}

// TestRootEnv returns the variables that point every nix operation at a
// private store below root.
func TestRootEnv(root string) map[string]string {
	return map[string]string{
		"NIX_STORE_DIR":            filepath.Join(root, "store"),
		"NIX_IGNORE_SYMLINK_STORE": "1",
		"NIX_LOCALSTATE_DIR":       filepath.Join(root, "var"),
		"NIX_LOG_DIR":              filepath.Join(root, "var", "log", "nix"),
		"NIX_STATE_DIR":            filepath.Join(root, "var", "nix"),
		"NIX_CONF_DIR":             filepath.Join(root, "etc"),
		"NIX_DAEMON_SOCKET_PATH":   filepath.Join(root, "daemon-socket"),
	}
}

// ApplyTestRoot overlays TestRootEnv(root) onto env and drops
// NIX_USER_CONF_FILES so user configuration cannot leak in.
func ApplyTestRoot(env map[string]string, root string) {
	for k, v := range TestRootEnv(root) {
		env[k] = v
	}
	delete(env, "NIX_USER_CONF_FILES")
}

// EnvMap converts KEY=VALUE pairs into a map. Later entries win.
func EnvMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
