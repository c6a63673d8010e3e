package fits

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func card(s string) string {
	return fmt.Sprintf("%-80s", s)
}

func header(cards ...string) []byte {
	var b strings.Builder
	for _, c := range cards {
		b.WriteString(card(c))
	}
	return []byte(b.String())
}

func TestParseHeaderBasic(t *testing.T) {
	blob := header(
		"SIMPLE  =                    T / file does conform",
		"CTYPE1  = 'RA---TAN'           / first parameter",
		"CRVAL1  =   1.000000000000E+01 / RA of reference",
		"OBJECT  = 'M31 / Andromeda'    / slash inside quotes",
		"COMMENT no value indicator here",
		"END",
		"CRVAL2  =                 99.0",
	)

	h, err := ParseHeader(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got := map[string]string{}
	for _, c := range h.Cards {
		got[c.Key] = c.Value
	}
	want := map[string]string{
		"SIMPLE": "T",
		"CTYPE1": "RA---TAN",
		"CRVAL1": "1.000000000000E+01",
		"OBJECT": "M31 / Andromeda",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("cards mismatch (-want +got):\n%s", diff)
	}
	if _, ok := h.Get("CRVAL2"); ok {
		t.Fatalf("cards after END must not be read")
	}
	if h.Cards[1].Comment != "first parameter" {
		t.Fatalf("unexpected comment %q", h.Cards[1].Comment)
	}
}

func TestParseHeaderLastOccurrenceWins(t *testing.T) {
	h, err := ParseHeader(header("crval1  = 1.0", "CRVAL1  = 2.0", "END"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	v, _ := h.Get("CRVAL1")
	if v != "2.0" {
		t.Fatalf("expected last value to win, got %q", v)
	}
	if h.Len() != 1 {
		t.Fatalf("expected one distinct key, got %d", h.Len())
	}
}

func TestParseHeaderStopsAtCardBeginningWithEnd(t *testing.T) {
	h, err := ParseHeader(header("CRVAL2  = 1.0", "   ENDOFDATA", "CRVAL1  = 5.0", "END"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := h.Get("CRVAL2"); !ok {
		t.Fatalf("cards before the sentinel must be read")
	}
	if _, ok := h.Get("CRVAL1"); ok {
		t.Fatalf("a card beginning with END must terminate the header")
	}
}

func TestParseHeaderIgnoresTextAfterEnd(t *testing.T) {
	clean := header(
		"CRVAL1  = 83.8221",
		"CRVAL2  = -5.3911",
		"CD1_1   = -2.0E-04",
		"CD1_2   = 1.0E-04",
		"END",
	)
	want, err := ParseCalibration(clean)
	if err != nil {
		t.Fatalf("clean calibration: %v", err)
	}
	for _, tail := range []string{"garbage\nmore garbage", "\r\nCD1_1   = 9.0", strings.Repeat("x", 200)} {
		blob := append(append([]byte{}, clean...), tail...)
		got, err := ParseCalibration(blob)
		if err != nil {
			t.Fatalf("calibration with tail %q: %v", tail, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("tail %q changed the result (-want +got):\n%s", tail, diff)
		}
		if math.Abs(got.PixelScale-3600*math.Sqrt(2e-4*2e-4+1e-4*1e-4)) > 1e-9 {
			t.Fatalf("unexpected pixel scale %v", got.PixelScale)
		}
	}
}

func TestParseHeaderLineMode(t *testing.T) {
	blob := []byte("CRVAL1  = 10.5\r\nCRVAL2  = -20.25\nCD1_1   = -2.0E-04\nCD1_2   = 0.0\nEND\n")
	wcs, err := ParseCalibration(blob)
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	if wcs.RA != 10.5 || wcs.Dec != -20.25 {
		t.Fatalf("unexpected center %v %v", wcs.RA, wcs.Dec)
	}
}

func TestParseHeaderEmpty(t *testing.T) {
	if _, err := ParseHeader(nil); !errors.Is(err, ErrEmptyHeader) {
		t.Fatalf("expected ErrEmptyHeader, got %v", err)
	}
	h, err := ParseHeader([]byte(strings.Repeat(" ", 160)))
	if err != nil {
		t.Fatalf("blank blob should parse: %v", err)
	}
	if h.Len() != 0 {
		t.Fatalf("expected no cards, got %d", h.Len())
	}
}

func TestCalibrationDerivesScale(t *testing.T) {
	blob := header(
		"CRVAL1  = 83.8221",
		"CRVAL2  = -5.3911",
		"CD1_1   = -3.0E-04",
		"CD1_2   = 4.0E-04",
		"END",
	)
	wcs, err := ParseCalibration(blob)
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	want := WCSFields{
		RA:          83.8221,
		Dec:         -5.3911,
		CD11:        -3.0e-4,
		CD12:        4.0e-4,
		PixelScale:  1.8,
		Orientation: DefaultOrientation,
		Flipped:     DefaultFlipped,
	}
	approx := cmp.Comparer(func(a, b float64) bool { return math.Abs(a-b) < 1e-9 })
	if diff := cmp.Diff(want, wcs, approx); diff != "" {
		t.Fatalf("calibration mismatch (-want +got):\n%s", diff)
	}
}

func TestCalibrationPixelScaleIsNonNegative(t *testing.T) {
	for _, pair := range [][2]string{{"0", "0"}, {"-1E-3", "-1E-3"}, {"5E-4", "-7E-4"}, {"1.0D-03", "0"}} {
		blob := header("CRVAL1  = 1", "CRVAL2  = 2", "CD1_1   = "+pair[0], "CD1_2   = "+pair[1], "END")
		wcs, err := ParseCalibration(blob)
		if err != nil {
			t.Fatalf("calibration %v: %v", pair, err)
		}
		if wcs.PixelScale < 0 || math.IsNaN(wcs.PixelScale) {
			t.Fatalf("pixel scale must be finite and >= 0, got %v", wcs.PixelScale)
		}
	}
}

func TestCalibrationReportsFirstMissingKey(t *testing.T) {
	cases := []struct {
		name  string
		cards []string
		key   string
	}{
		{"no crval1", []string{"CRVAL2  = 1", "CD1_1   = 1", "CD1_2   = 1"}, "CRVAL1"},
		{"no cd1_1", []string{"CRVAL1  = 1", "CRVAL2  = 1", "CD1_2   = 1"}, "CD1_1"},
		{"non numeric", []string{"CRVAL1  = 1", "CRVAL2  = 'north'", "CD1_1   = 1", "CD1_2   = 1"}, "CRVAL2"},
		{"all missing", []string{"SIMPLE  = T"}, "CRVAL1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCalibration(header(append(tc.cards, "END")...))
			if !errors.Is(err, ErrMissingRequiredField) {
				t.Fatalf("expected ErrMissingRequiredField, got %v", err)
			}
			var mf *MissingFieldError
			if !errors.As(err, &mf) || mf.Key != tc.key {
				t.Fatalf("expected missing key %s, got %v", tc.key, err)
			}
		})
	}
}

func TestEncodeRoundTripsThroughParser(t *testing.T) {
	cards := []Card{
		StringCard("CTYPE1", "RA---TAN", "projection"),
		FloatCard("CRVAL1", 83.8221, ""),
		FloatCard("CRVAL2", -5.3911, ""),
		FloatCard("CD1_1", -3e-4, ""),
		FloatCard("CD1_2", 4e-4, ""),
		StringCard("OBJECT", "it's here", ""),
	}
	blob, err := Encode(cards)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(blob)%BlockSize != 0 {
		t.Fatalf("encoded header not padded to block size: %d", len(blob))
	}
	h, err := ParseHeader(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v, _ := h.Get("OBJECT"); v != "it's here" {
		t.Fatalf("escaped quote not restored, got %q", v)
	}
	wcs, err := h.Calibration()
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	if math.Abs(wcs.PixelScale-1.8) > 1e-9 {
		t.Fatalf("unexpected pixel scale %v", wcs.PixelScale)
	}
}

func TestEncodeRejectsLongKeyword(t *testing.T) {
	if _, err := Encode([]Card{{Key: "TOOLONGKEY", Value: "1"}}); err == nil {
		t.Fatalf("expected error for keyword longer than eight characters")
	}
}
