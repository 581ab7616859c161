package classifier

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

// Built in decision tables, one YAML file per preset named after the file.
//
//go:embed presets/*.yaml
var presetFS embed.FS

// Preset returns a freshly parsed built-in table
func Preset(name string) (*Table, error) {
	data, err := presetFS.ReadFile(path.Join("presets", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown decision table preset %q (have %s)", name, strings.Join(PresetNames(), ", "))
	}
	return Parse(data)
}

// PresetNames is sorted
func PresetNames() []string {
	files, _ := fs.Glob(presetFS, "presets/*.yaml")
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, strings.TrimSuffix(path.Base(f), ".yaml"))
	}
	slices.Sort(names)
	return names
}
