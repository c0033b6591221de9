package codec

import (
	"encoding/json"
	"fmt"
)

// JSONCodec encodes values with encoding/json. ServiceMessage bodies are
// []byte and travel base64-encoded, so it trades size for readability.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: json encode: %w", err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("codec: json decode: %w", ErrShortBuffer)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: json decode: %w", err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
