package toolregistry

import (
	"bytes"
	"io"
)

// bytesReader adapts a json.RawMessage to the io.Reader the jsonschema
// compiler's AddResource expects.
func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
