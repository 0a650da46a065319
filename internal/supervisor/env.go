package supervisor

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/kahiteam/nixffi/internal/config"
	"github.com/kahiteam/nixffi/internal/events"
	"github.com/kahiteam/nixffi/internal/helper"
)

// HelperOptions translates the [helper] config section into spawn options.
func HelperOptions(cfg *config.Config, logger *slog.Logger, bus *events.Bus) (helper.Options, error) {
	env, err := HelperEnv(cfg.Helper)
	if err != nil {
		return helper.Options{}, err
	}
	return helper.Options{
		Executable: cfg.Helper.Executable,
		PluginDir:  cfg.Helper.ResolvedPluginDir(),
		ExtraArgs:  cfg.Helper.ExtraArgs,
		Env:        env,
		Logger:     logger,
		Events:     bus,
	}, nil
}

// HelperEnv builds the helper environment. It returns nil when the helper
// should inherit the caller's environment unchanged. Otherwise layers are
// applied in order: the caller's environment (unless clean_environment),
// env_file, [helper.environment], then the test root variables.
func HelperEnv(h config.HelperConfig) (map[string]string, error) {
	if h.InheritsEnvironment() {
		return nil, nil
	}

	env := map[string]string{}
	if !h.CleanEnvironment {
		env = helper.EnvMap(os.Environ())
	}

	if h.EnvFile != "" {
		fileEnv, err := godotenv.Read(h.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("reading helper.env_file %s: %w", h.EnvFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}

	for k, v := range h.Environment {
		env[k] = v
	}

	if h.TestRoot != "" {
		helper.ApplyTestRoot(env, h.TestRoot)
	}

	return env, nil
}
