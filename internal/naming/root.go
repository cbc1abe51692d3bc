package naming

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ModelsEnv overrides the models root.
const ModelsEnv = "QUIVER_MODELS"

// ModelsRoot returns $QUIVER_MODELS, or ~/.quiver/models.
func ModelsRoot() (string, error) {
	if env := os.Getenv(ModelsEnv); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".quiver", "models"), nil
}

// ResolveModelDir turns a model reference into a directory. A reference that
// names an existing directory (or contains a path separator) is used as is;
// a bare name such as "llama-3.2-1b" or "llama-3.2-1b:lut6" resolves under
// the models root as <root>/<name>[/<tag>].
func ResolveModelDir(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty model reference")
	}
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		return ref, nil
	}
	if strings.ContainsRune(ref, os.PathSeparator) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("model directory not found at %s", ref)
	}

	root, err := ModelsRoot()
	if err != nil {
		return "", err
	}
	name, tag, _ := strings.Cut(ref, ":")
	dir := filepath.Join(root, name)
	if tag != "" {
		dir = filepath.Join(dir, tag)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("model %q not found at %s", ref, dir)
	}
	return dir, nil
}
