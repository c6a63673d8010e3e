package fits

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// BlockSize is the size of a header block; encoded headers are padded to a multiple of it.
const BlockSize = 2880

// StringCard builds a card holding a quoted string value.
func StringCard(key, value, comment string) Card {
	return Card{Key: key, Value: "'" + strings.ReplaceAll(value, "'", "''") + "'", Comment: comment}
}

// FloatCard builds a card holding a numeric value.
func FloatCard(key string, value float64, comment string) Card {
	return Card{Key: key, Value: strconv.FormatFloat(value, 'G', 15, 64), Comment: comment}
}

// Encode renders cards as 80-column records followed by END, padded with spaces to BlockSize.
// Values are written as given; use StringCard for values that need quoting.
func Encode(cards []Card) ([]byte, error) {
	var buf bytes.Buffer
	for _, c := range cards {
		key := strings.ToUpper(strings.TrimSpace(c.Key))
		if key == "" || len(key) > keyLength {
			return nil, fmt.Errorf("invalid keyword %q", c.Key)
		}
		line := fmt.Sprintf("%-8s= %20s", key, c.Value)
		if c.Comment != "" {
			line += " / " + c.Comment
		}
		if len(line) > CardLength {
			if len(line)-len(c.Comment) > CardLength {
				return nil, fmt.Errorf("value for %s does not fit in one card", key)
			}
			line = line[:CardLength]
		}
		buf.WriteString(fmt.Sprintf("%-80s", line))
	}
	buf.WriteString(fmt.Sprintf("%-80s", "END"))
	if rem := buf.Len() % BlockSize; rem != 0 {
		buf.Write(bytes.Repeat([]byte{' '}, BlockSize-rem))
	}
	return buf.Bytes(), nil
}
