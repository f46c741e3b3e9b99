package deploy

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/fentz26/ninjateam/internal/config"
	"github.com/fentz26/ninjateam/internal/connectors"
)

//go:embed setup.sh
var setupScript []byte

// Bundle file names inside the staging directory.
const (
	BinaryName = "ninjateam"
	ConfigName = "team.json"
	SetupName  = "setup.sh"
)

// Bundle is what gets pushed to every remote host.
type Bundle struct {
	Files []connectors.File
}

// NewBundle assembles the agent binary at binaryPath and cfg into a bundle.
func NewBundle(binaryPath string, cfg *config.Config) (*Bundle, error) {
	bin, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("read agent binary: %w", err)
	}
	doc, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return &Bundle{Files: []connectors.File{
		{Name: BinaryName, Mode: 0755, Data: bin},
		{Name: ConfigName, Mode: 0644, Data: doc},
		{Name: SetupName, Mode: 0755, Data: setupScript},
	}}, nil
}

// Size returns the bundle size in bytes.
func (b *Bundle) Size() int64 {
	var n int64
	for _, f := range b.Files {
		n += int64(len(f.Data))
	}
	return n
}

// agentCommand is how an installed agent is started inside the work
// directory.
func agentCommand(port int, name string) connectors.Command {
	return connectors.Command{
		Name: "bin/" + BinaryName,
		Args: []string{
			"agent",
			"--port", strconv.Itoa(port),
			"--config", ConfigName,
			"--workspace", "workspace",
			"--name", name,
			"--log-format", "json",
		},
	}
}
