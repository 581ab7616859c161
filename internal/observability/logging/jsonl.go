package logging

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/policygate/policygate/internal/version"
)

// SchemaVersion is stamped on every jsonl line
const SchemaVersion = "1.0"

// EventPrefix namespaces event names for downstream collectors
const EventPrefix = "policygate."

type jsonLine struct {
	TS            string         `json:"ts"`
	Level         string         `json:"level"`
	Event         string         `json:"event,omitempty"`
	Component     string         `json:"component"`
	OpID          string         `json:"op_id"`
	SchemaVersion string         `json:"schema_version"`
	Version       string         `json:"policygate_version,omitempty"`
	GoVersion     string         `json:"go_version,omitempty"`
	Msg           string         `json:"msg,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

type jsonEncoder struct{}

func (jsonEncoder) encode(r record) ([]byte, error) {
	line := jsonLine{
		TS:            r.Time.UTC().Format(time.RFC3339Nano),
		Level:         r.Level.String(),
		Component:     r.Component,
		OpID:          r.OpID,
		SchemaVersion: SchemaVersion,
		Version:       version.BuildVersion(),
		GoVersion:     runtime.Version(),
		Msg:           r.Msg,
		Fields:        r.Fields,
	}
	if r.Event != "" {
		line.Event = EventPrefix + r.Event
	}
	b, err := json.Marshal(line)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
