package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cborEnc uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite lengths. The same
// ticket always produces the same bytes.
var cborEnc cbor.EncMode

// cborDec rejects unknown and duplicate keys so a body that does not fit
// its type's shape fails instead of decoding partially.
var cborDec cbor.DecMode

func init() {
	encOptions := cbor.CoreDetEncOptions()
	// Sub-second timestamps matter for idle and ttl checks; the default
	// unix-seconds encoding would truncate them.
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}
