package envelope

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope is returned by Decode when the input is not
	// valid JSON or a required field is missing. ErrUnknownKind, returned
	// when Kind is not one this build recognizes, wraps it, so
	// errors.Is(err, ErrMalformedEnvelope) holds for both. The caller (C2)
	// reports this as a communication-kind error (spec §4.1/§7).
	ErrMalformedEnvelope = errors.New("envelope: malformed")
	ErrUnknownKind       = fmt.Errorf("%w: unknown kind", ErrMalformedEnvelope)
)
