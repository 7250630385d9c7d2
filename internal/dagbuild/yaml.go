package dagbuild

import (
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pennyworth-tech/agent-arborist/internal/errors"
)

// Marshal serializes a bundle to multi-document YAML: the root DAG first,
// then each sub-DAG in order.
func Marshal(b *Bundle) ([]byte, error) {
	var out strings.Builder
	docs := make([]SubDAG, 0, len(b.SubDAGs)+1)
	docs = append(docs, b.Root)
	docs = append(docs, b.SubDAGs...)

	for i, d := range docs {
		if i > 0 {
			out.WriteString("---\n")
		}
		data, err := yaml.Marshal(d)
		if err != nil {
			return nil, errors.WrapWithMessage(err, errors.Runtime, "marshaling DAG bundle")
		}
		out.Write(data)
	}
	return []byte(out.String()), nil
}

// Unmarshal parses a multi-document YAML bundle. The first document is the
// root; the rest are sub-DAGs.
func Unmarshal(data []byte) (*Bundle, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))

	var docs []SubDAG
	for {
		var d SubDAG
		err := dec.Decode(&d)
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				break
			}
			return nil, errors.WrapWithMessage(err, errors.Runtime, "parsing DAG bundle")
		}
		docs = append(docs, d)
	}
	if len(docs) == 0 {
		return nil, errors.NewRuntimeError("DAG bundle is empty")
	}

	b := &Bundle{Root: docs[0], SubDAGs: docs[1:]}
	b.Root.IsRoot = true
	return b, nil
}

// Save writes the bundle beside the manifest via temp file + rename.
func Save(b *Bundle, path string) error {
	data, err := Marshal(b)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WrapWithMessage(err, errors.Runtime, "creating DAG directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WrapWithMessage(err, errors.Runtime, "writing DAG bundle")
	}
	return os.Rename(tmp, path)
}

// Load reads a bundle from disk.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithMessage(err, errors.Prerequisite,
			"DAG bundle not found at "+path,
			"run arborist dag build first")
	}
	return Unmarshal(data)
}

// BundlePath is the canonical bundle location beside the manifest.
func BundlePath(dagsDir, specID string) string {
	return filepath.Join(dagsDir, specID+".yaml")
}
