package logging

import (
	"fmt"
	"slices"
	"strings"
)

// textEncoder writes "15:04:05.000 LEVEL [component] msg k=v ..." with keys
// sorted. Events print under the "event" component with their op id.
type textEncoder struct{}

func (textEncoder) encode(r record) ([]byte, error) {
	component, msg := r.Component, r.Msg
	if r.Event != "" {
		component, msg = "event", r.Event
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s [%s] %s", r.Time.Format("15:04:05.000"), strings.ToUpper(r.Level.String()), component, msg)
	if r.OpID != "" {
		fmt.Fprintf(&b, " op_id=%s", r.OpID)
	}
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, r.Fields[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
