// Package codec is the structured payload serialization used inside
// length-prefixed blobs on the wire and for values persisted by the store.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/danmuck/inkwell/internal/protocol/packet"
)

// encMode uses Core Deterministic Encoding so equal values produce equal bytes.
var encMode cbor.EncMode

// decMode rejects duplicate map keys and trailing bytes after the first item.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	// An empty post list must still be an array on the wire, never null.
	encOptions.NilContainers = cbor.NilContainerAsEmpty
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Any decode failure is reported as
// packet.ErrDeserialization.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", packet.ErrDeserialization)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", packet.ErrDeserialization, err)
	}
	return nil
}

const (
	majorArray = 4
	majorMap   = 5
)

// UnmarshalList decodes data as a CBOR array of T. A payload that is not an
// array (including null) is a deserialization error.
func UnmarshalList[T any](data []byte) ([]T, error) {
	if len(data) == 0 || data[0]>>5 != majorArray {
		return nil, fmt.Errorf("%w: payload is not a list", packet.ErrDeserialization)
	}
	out := make([]T, 0)
	if err := Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnmarshalRecord decodes data as a single CBOR map into v. Null and
// scalar payloads yield no value and are rejected.
func UnmarshalRecord(data []byte, v any) error {
	if len(data) == 0 || data[0]>>5 != majorMap {
		return fmt.Errorf("%w: payload is not a record", packet.ErrDeserialization)
	}
	return Unmarshal(data, v)
}
