package peer

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: the same message always
// produces identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so newer peers can add some.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("peer: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("peer: CBOR decoder initialization failed: " + err.Error())
	}
}

// Request asks the authoritative peer for a digest.
type Request struct {
	Digest string `cbor:"digest"`
	Origin string `cbor:"origin,omitempty"`
}

// Delivery carries an asset answering a Request.
type Delivery struct {
	Digest    string `cbor:"digest"`
	Name      string `cbor:"name"`
	Kind      string `cbor:"kind"`
	Extension string `cbor:"extension,omitempty"`
	Data      []byte `cbor:"data"`
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
