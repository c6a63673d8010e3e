package fits

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CardLength is the fixed width of a single header card.
const CardLength = 80

const (
	keyLength   = 8
	valueMarker = 8 // column 9, zero based
)

// Orientation and parity cannot be derived from the CRVAL/CD subset written by the
// local solver, so they are always reported with these fixed values.
const (
	DefaultOrientation = 0.0
	DefaultFlipped     = false
)

var (
	// ErrEmptyHeader is returned when the blob contains no bytes at all.
	ErrEmptyHeader = errors.New("empty header")
	// ErrMissingRequiredField marks a required WCS keyword that is absent or not numeric.
	ErrMissingRequiredField = errors.New("missing required field")
)

// requiredKeys is the fixed scan order used when deriving calibration fields.
var requiredKeys = []string{"CRVAL1", "CRVAL2", "CD1_1", "CD1_2"}

// MissingFieldError names the first required keyword that could not be used.
type MissingFieldError struct {
	Key   string
	Value string // raw value when present but not numeric
}

func (e *MissingFieldError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %s has non-numeric value %q", ErrMissingRequiredField, e.Key, e.Value)
	}
	return fmt.Sprintf("%s: %s", ErrMissingRequiredField, e.Key)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingRequiredField }

// Card is one parsed key/value record.
type Card struct {
	Key     string
	Value   string
	Comment string
}

// Header is an ordered set of cards with last-wins key lookup.
type Header struct {
	Cards  []Card
	values map[string]string
}

// WCSFields holds the calibration values derived from a header.
// Orientation and Flipped are always DefaultOrientation and DefaultFlipped.
type WCSFields struct {
	RA          float64 // CRVAL1, degrees
	Dec         float64 // CRVAL2, degrees
	CD11        float64
	CD12        float64
	PixelScale  float64 // arcsec/pixel
	Orientation float64
	Flipped     bool
}

// ParseHeader splits blob into 80-column cards and collects their values until the END card.
// Cards without a keyword and a value indicator in column 9 are skipped.
// Blobs that contain line breaks are read one card per line.
func ParseHeader(blob []byte) (*Header, error) {
	if len(blob) == 0 {
		return nil, ErrEmptyHeader
	}

	h := &Header{values: make(map[string]string)}
	for _, raw := range splitCards(blob) {
		card := strings.TrimRight(raw, " \t\r\n\x00")
		if strings.TrimSpace(card) == "" {
			continue
		}
		if isEndCard(card) {
			break
		}
		c, ok := parseCard(card)
		if !ok {
			continue
		}
		h.Cards = append(h.Cards, c)
		h.values[c.Key] = c.Value
	}
	return h, nil
}

// ParseCalibration parses blob and derives its calibration fields in one step.
func ParseCalibration(blob []byte) (WCSFields, error) {
	h, err := ParseHeader(blob)
	if err != nil {
		return WCSFields{}, err
	}
	return h.Calibration()
}

// Get returns the value stored for key (case-insensitive).
func (h *Header) Get(key string) (string, bool) {
	if h == nil || h.values == nil {
		return "", false
	}
	v, ok := h.values[strings.ToUpper(key)]
	return v, ok
}

// Float returns the numeric value stored for key.
func (h *Header) Float(key string) (float64, error) {
	key = strings.ToUpper(key)
	raw, ok := h.Get(key)
	if !ok || raw == "" {
		return 0, &MissingFieldError{Key: key}
	}
	f, err := parseNumber(raw)
	if err != nil {
		return 0, &MissingFieldError{Key: key, Value: raw}
	}
	return f, nil
}

// Len reports the number of data cards.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.values)
}

// Calibration derives RA, Dec and pixel scale from CRVAL1, CRVAL2, CD1_1 and CD1_2.
func (h *Header) Calibration() (WCSFields, error) {
	vals := make([]float64, len(requiredKeys))
	for i, key := range requiredKeys {
		v, err := h.Float(key)
		if err != nil {
			return WCSFields{}, err
		}
		vals[i] = v
	}
	cd11, cd12 := vals[2], vals[3]
	scaleDeg := math.Sqrt(cd11*cd11 + cd12*cd12)
	return WCSFields{
		RA:          vals[0],
		Dec:         vals[1],
		CD11:        cd11,
		CD12:        cd12,
		PixelScale:  scaleDeg * 3600,
		Orientation: DefaultOrientation,
		Flipped:     DefaultFlipped,
	}, nil
}

// splitCards uses line mode only when the first card region holds a line
// break; bytes after END in a fixed-width block never switch the mode.
func splitCards(blob []byte) []string {
	first := blob
	if len(first) > CardLength {
		first = first[:CardLength]
	}
	if bytes.ContainsAny(first, "\r\n") {
		return strings.Split(strings.ReplaceAll(string(blob), "\r\n", "\n"), "\n")
	}
	cards := make([]string, 0, len(blob)/CardLength+1)
	for i := 0; i < len(blob); i += CardLength {
		end := i + CardLength
		if end > len(blob) {
			end = len(blob)
		}
		cards = append(cards, string(blob[i:end]))
	}
	return cards
}

func isEndCard(card string) bool {
	return strings.HasPrefix(strings.TrimSpace(card), "END")
}

func parseCard(card string) (Card, bool) {
	if len(card) <= valueMarker || card[valueMarker] != '=' {
		return Card{}, false
	}
	key := strings.ToUpper(strings.TrimSpace(card[:keyLength]))
	if key == "" {
		return Card{}, false
	}
	value, comment := splitComment(card[valueMarker+1:])
	return Card{Key: key, Value: unquote(strings.TrimSpace(value)), Comment: strings.TrimSpace(comment)}, true
}

// splitComment cuts s at the first '/' that is not inside a quoted string.
// A doubled quote inside a string is an escaped quote.
func splitComment(s string) (string, string) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			if inQuote && i+1 < len(s) && s[i+1] == '\'' {
				i++
				continue
			}
			inQuote = !inQuote
		case '/':
			if !inQuote {
				return s[:i], s[i+1:]
			}
		}
	}
	return s, ""
}

func unquote(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if first == '\'' && last == '\'' {
			return strings.TrimSpace(strings.ReplaceAll(v[1:len(v)-1], "''", "'"))
		}
		if first == '"' && last == '"' {
			return strings.TrimSpace(v[1 : len(v)-1])
		}
	}
	return v
}

// parseNumber accepts Fortran-style exponents (1.0D-03) as well as Go floats.
func parseNumber(raw string) (float64, error) {
	s := strings.NewReplacer("D", "E", "d", "e").Replace(strings.TrimSpace(raw))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %q", raw)
	}
	return f, nil
}
