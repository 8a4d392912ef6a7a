package replay

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/gurre/awschome/stream"
)

// ErrCorrupt is returned for a line that is not a JSON object.
var ErrCorrupt = errors.New("corrupt line")

// Decoder turns one NDJSON line into a record.
type Decoder interface {
	Decode(line []byte) (stream.Record, error)
}

// JSONDecoder decodes each line as a JSON object.
type JSONDecoder struct{}

// NewJSONDecoder creates a new JSONDecoder instance
func NewJSONDecoder() *JSONDecoder {
	return &JSONDecoder{}
}

// Decode wraps every parse failure in ErrCorrupt. Arrays, scalars and null
// are corrupt as well.
func (d *JSONDecoder) Decode(line []byte) (stream.Record, error) {
	var rec stream.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: not an object", ErrCorrupt)
	}
	return rec, nil
}
