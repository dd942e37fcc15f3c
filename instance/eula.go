package instance

import (
	"os"
	"path/filepath"
)

// AcceptEULA writes the server's eula.txt so a freshly provisioned instance
// can boot without manual intervention. The operator opts in per instance.
func AcceptEULA(serverDir string) error {
	path := filepath.Join(serverDir, "eula.txt")
	return os.WriteFile(path, []byte("#Generated by mineguard\neula=true\n"), 0644)
}
