// Package jsonutil formats values for terminal output.
package jsonutil

import (
	"bytes"
	"strings"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

var compact *prettyjson.Formatter

func init() {
	compact = prettyjson.NewFormatter()
	compact.Indent = 0
	compact.Newline = ""
}

// MarshalCompactPretty formats the exported fields of a struct one per line,
// in declaration order, with values in compact colored JSON.
// The json tag is used as the field name when present.
func MarshalCompactPretty(v any) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range structs.New(v).Fields() {
		if !f.IsExported() {
			continue
		}
		name := f.Name()
		if tag := strings.Split(f.Tag("json"), ",")[0]; tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		b, err := compact.Marshal(f.Value())
		if err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.Write(b)
		buf.WriteRune('\n')
	}
	return buf.Bytes(), nil
}

// MarshalPretty formats v as indented colored JSON.
func MarshalPretty(v any) ([]byte, error) {
	return prettyjson.Marshal(v)
}
