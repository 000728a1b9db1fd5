package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// AppName names the workspace and config directories.
const AppName = "tradecore"

const (
	localWorkspace = "_workspace"
	lockFileName   = "instance.lock"
)

// ErrInstanceLocked is returned by CreateLockFile while another process holds the data dir.
var ErrInstanceLocked = errors.New("data dir is locked by another instance")

// GetWorkspaceDir picks the runtime data root: $TRADECORE_HOME, then a local
// _workspace directory, then the per-user data directory of the OS.
func GetWorkspaceDir() string {
	if home := os.Getenv("TRADECORE_HOME"); home != "" {
		return home
	}
	if fi, err := os.Stat(localWorkspace); err == nil && fi.IsDir() {
		return localWorkspace
	}
	root, err := userDataRoot()
	if err != nil {
		return localWorkspace
	}
	return filepath.Join(root, AppName)
}

// userDataRoot is XDG_DATA_HOME (or ~/.local/share) on Linux and the user
// config root elsewhere, which is where macOS and Windows keep app data.
func userDataRoot() (string, error) {
	if runtime.GOOS != "linux" {
		return os.UserConfigDir()
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share"), nil
}

// EnsureDir creates path and its parents with mode 0755.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// CreateLockFile claims dir for this process by creating an exclusive lock
// file holding the PID. The returned func releases it. A lock left behind by
// a crash must be removed by hand; the error names the recorded PID.
func CreateLockFile(dir string) (func(), error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: %s (pid %s)", ErrInstanceLocked, path, lockHolder(path))
	}
	if err != nil {
		return nil, err
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, werr
	}
	return func() { os.Remove(path) }, nil
}

func lockHolder(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	if pid := strings.TrimSpace(string(b)); pid != "" {
		return pid
	}
	return "unknown"
}

// ResolveConfigPath returns $TRADECORE_CONFIG, configs/config.yaml when it
// exists, or the user config dir copy when that exists. Otherwise it returns
// configs/config.yaml and lets LoadConfig report the missing file.
func ResolveConfigPath() string {
	if p := os.Getenv("TRADECORE_CONFIG"); p != "" {
		return p
	}
	local := filepath.Join("configs", "config.yaml")
	candidates := []string{local}
	if root, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(root, AppName, "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return local
}

// ResolveDataPath returns name inside dir unless it is already absolute.
func ResolveDataPath(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
