package tus

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ParseMetadata decodes an Upload-Metadata header: comma-separated pairs of
// "key base64value". Malformed entries are rejected outright rather than
// carried through partially decoded.
func ParseMetadata(header string) (map[string]string, error) {
	metadata := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return metadata, nil
	}

	for _, pair := range strings.Split(header, ",") {
		tokens := strings.Fields(strings.TrimSpace(pair))
		if len(tokens) != 2 {
			return nil, fmt.Errorf("%w: malformed metadata pair %q", ErrProtocolViolation, pair)
		}

		key := tokens[0]
		if _, ok := metadata[key]; ok {
			return nil, fmt.Errorf("%w: duplicate metadata key %q", ErrProtocolViolation, key)
		}

		value, err := base64.StdEncoding.DecodeString(tokens[1])
		if err != nil {
			return nil, fmt.Errorf("%w: metadata value for %q is not valid base64", ErrProtocolViolation, key)
		}

		metadata[key] = string(value)
	}

	return metadata, nil
}
