// Package trace loads recorded telemetry traces.
package trace

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
	models "github.com/Schera-ole/cloudconnector/internal/model"
)

// DefaultTrace is the trace bundled with the binary.
const DefaultTrace = "automotive-trace.json"

//go:embed assets/*.json
var assets embed.FS

// Load reads the trace at name from the local filesystem and falls back to
// the embedded trace with the same name.
func Load(name string) (models.Trace, error) {
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = fs.ReadFile(assets, path.Join("assets", path.Base(name)))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &internalerrors.LoadError{Source: name, Err: fmt.Errorf("trace not found locally or embedded: %w", fs.ErrNotExist)}
		}
	}
	if err != nil {
		return nil, &internalerrors.LoadError{Source: name, Err: err}
	}
	return Parse(name, data)
}

// Parse decodes a trace document: a JSON array of flat objects.
func Parse(source string, data []byte) (models.Trace, error) {
	var t models.Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, &internalerrors.LoadError{Source: source, Err: err}
	}
	return t, nil
}

// Embedded lists the names of the bundled traces.
func Embedded() []string {
	entries, err := assets.ReadDir("assets")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
