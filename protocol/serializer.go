package protocol

import "encoding/json"

// Serializer defines the contract for serializing and deserializing event payloads.
// This allows downstream teams to choose their preferred format (JSON, Protobuf, SBE, etc.)
// without touching the matching core.
type Serializer interface {
	// Marshal serializes a Go struct (e.g. TradeRecord) into bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes bytes into a Go struct.
	// v must be a pointer to the target struct.
	Unmarshal(data []byte, v any) error
}

// DefaultJSONSerializer encodes payloads with encoding/json.
type DefaultJSONSerializer struct{}

func (DefaultJSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (DefaultJSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Wrap serializes payload and places it in an Envelope of the given type.
func Wrap(s Serializer, typ EventType, pair string, seqID uint64, payload any) (*Envelope, error) {
	data, err := s.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version: 1,
		Pair:    pair,
		SeqID:   seqID,
		Type:    typ,
		Payload: data,
	}, nil
}
