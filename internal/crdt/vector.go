package crdt

import "github.com/fxamacker/cbor/v2"

// StateVector maps actor ID to the highest operation sequence number
// observed from that actor.
type StateVector map[string]uint64

// Encode serializes the vector for transport.
func (sv StateVector) Encode() ([]byte, error) {
	return cbor.Marshal(sv)
}

// DecodeStateVector parses a transported vector. Nil or empty input
// decodes to the empty vector, which a fresh client legitimately sends.
func DecodeStateVector(data []byte) (StateVector, error) {
	if len(data) == 0 {
		return StateVector{}, nil
	}
	var sv StateVector
	if err := cbor.Unmarshal(data, &sv); err != nil {
		return nil, ErrMalformedUpdate
	}
	if sv == nil {
		sv = StateVector{}
	}
	return sv, nil
}
