package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// embeddedJSON finds marker in src and returns the balanced JSON object or array that
// follows it.
func embeddedJSON(src, marker string) (string, bool) {
	idx := strings.Index(src, marker)
	if idx < 0 {
		return "", false
	}
	rest := src[idx+len(marker):]
	start := strings.IndexAny(rest, "[{")
	if start < 0 {
		return "", false
	}
	open := rest[start]
	closer := byte(']')
	if open == '{' {
		closer = '}'
	}

	depth := 0
	inString := false
	var quote byte
	for i := start; i < len(rest); i++ {
		c := rest[i]
		if inString {
			switch c {
			case '\\':
				i++
			case quote:
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'':
			inString = true
			quote = c
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return rest[start : i+1], true
			}
		}
	}
	return "", false
}

// decodeEmbedded locates and unmarshals the payload after marker into v.
func decodeEmbedded(src, marker string, v any) error {
	raw, ok := embeddedJSON(src, marker)
	if !ok {
		return fmt.Errorf("marker %q not found", marker)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode payload after %q: %w", marker, err)
	}
	return nil
}
