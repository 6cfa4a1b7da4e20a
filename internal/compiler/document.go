package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lifeflow/internal/ir"
)

// Document is an envelope plus the patches authored against it, as read
// from a CUE, YAML or JSON file.
type Document struct {
	Envelope ir.Envelope    `json:"envelope"`
	Patches  []ir.SlotPatch `json:"patches,omitempty"`
}

// Input returns the compile input described by the document.
func (d *Document) Input() CompileInput {
	return InputFromEnvelope(&d.Envelope, d.Patches)
}

// Compile compiles the document.
func (d *Document) Compile() (*ir.CompiledWorkflow, error) {
	return CompileEffective(d.Input())
}

// LoadDocument reads a document file. The format follows the extension:
// .cue, .yaml/.yml or .json. A directory is loaded as a CUE package.
func LoadDocument(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if info.IsDir() {
		return LoadCUEDir(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return ParseDocument(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// ParseDocument decodes a document in the given format ("cue", "yaml",
// "yml" or "json").
func ParseDocument(data []byte, format string) (*Document, error) {
	var raw []byte
	switch format {
	case "json":
		raw = data
	case "yaml", "yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		raw = b
	case "cue":
		v := cuecontext.New().CompileBytes(data)
		b, err := cueJSON(v)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, fmt.Errorf("unsupported document format %q", format)
	}
	return decodeDocument(raw)
}

// LoadCUEDir loads every .cue file in dir as one CUE package.
func LoadCUEDir(dir string) (*Document, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	if err := instances[0].Err; err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", err)
	}
	v := cuecontext.New().BuildInstance(instances[0])
	raw, err := cueJSON(v)
	if err != nil {
		return nil, err
	}
	return decodeDocument(raw)
}

// cueJSON exports the envelope and patches fields of a CUE value. Other
// top-level fields (helper definitions, constants) are ignored.
func cueJSON(v cue.Value) ([]byte, error) {
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}
	out := map[string]json.RawMessage{}
	for _, field := range []string{"envelope", "patches"} {
		fv := v.LookupPath(cue.ParsePath(field))
		if !fv.Exists() {
			continue
		}
		if err := fv.Validate(cue.Concrete(true)); err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		b, err := fv.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out[field] = b
	}
	if _, ok := out["envelope"]; !ok {
		return nil, fmt.Errorf("document has no envelope field")
	}
	return json.Marshal(out)
}

func decodeDocument(raw []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc.Envelope.ID == "" {
		return nil, fmt.Errorf("envelope id is required")
	}
	return &doc, nil
}
