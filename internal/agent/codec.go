package agent

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/fentz26/ninjateam/internal/models"
)

// ContentType is the media type of execute and sub-build bodies.
const ContentType = "application/cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("agent: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("agent: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v in deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func decode(r io.Reader, v any) error {
	return decMode.NewDecoder(r).Decode(v)
}

// FileBlob is a file shipped with a request or response. Path is relative
// to the request's Dir.
type FileBlob struct {
	Path string `cbor:"path"`
	Mode uint32 `cbor:"mode"`
	Data []byte `cbor:"data"`
}

// ExecuteRequest asks an agent to run one build unit.
type ExecuteRequest struct {
	UnitID  string `cbor:"unit_id"`
	Command string `cbor:"command"`
	// Dir is the controller's absolute build directory. The command runs
	// in the agent's mirror of it.
	Dir       string     `cbor:"dir"`
	Inputs    []FileBlob `cbor:"inputs,omitempty"`
	Outputs   []string   `cbor:"outputs,omitempty"`
	TimeoutMS int64      `cbor:"timeout_ms,omitempty"`
}

// ExecuteResponse reports the outcome of a unit. A non-zero ExitCode or a
// non-empty Error is a command failure; infrastructure failures are
// returned as errors instead.
type ExecuteResponse struct {
	UnitID     string     `cbor:"unit_id"`
	ExitCode   int        `cbor:"exit_code"`
	Stdout     string     `cbor:"stdout,omitempty"`
	Stderr     string     `cbor:"stderr,omitempty"`
	Error      string     `cbor:"error,omitempty"`
	DurationMS int64      `cbor:"duration_ms"`
	Outputs    []FileBlob `cbor:"outputs,omitempty"`
}

// Succeeded reports whether the unit completed.
func (r *ExecuteResponse) Succeeded() bool {
	return r != nil && r.ExitCode == 0 && r.Error == ""
}

// SubBuildRequest asks an agent to run a nested build as one unit.
type SubBuildRequest struct {
	UnitID   string           `cbor:"unit_id"`
	Dir      string           `cbor:"dir"`
	Graph    models.GraphSpec `cbor:"graph"`
	Inputs   []FileBlob       `cbor:"inputs,omitempty"`
	Outputs  []string         `cbor:"outputs,omitempty"`
	Depth    int              `cbor:"depth"`
	MaxDepth int              `cbor:"max_depth"`
	FanOut   int              `cbor:"fan_out"`
	// Peers are agents the sub-controller may dispatch to, at most FanOut.
	Peers     []models.HostRecord `cbor:"peers,omitempty"`
	TimeoutMS int64               `cbor:"timeout_ms,omitempty"`
}

// SubBuildResponse is the single result a nested build reports upward.
type SubBuildResponse struct {
	UnitID      string     `cbor:"unit_id"`
	Completed   int        `cbor:"completed"`
	Failed      int        `cbor:"failed"`
	FailedUnits []string   `cbor:"failed_units,omitempty"`
	Error       string     `cbor:"error,omitempty"`
	DurationMS  int64      `cbor:"duration_ms"`
	Outputs     []FileBlob `cbor:"outputs,omitempty"`
}

// Succeeded reports whether every nested unit completed.
func (r *SubBuildResponse) Succeeded() bool {
	return r != nil && r.Failed == 0 && r.Error == ""
}

// Health is the agent's answer to a health query.
type Health struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Cores        int               `json:"cores"`
	MemoryMB     int               `json:"memory_mb"`
	Tools        map[string]string `json:"tools,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Busy         bool              `json:"busy"`
	ActiveUnit   string            `json:"active_unit,omitempty"`
}
