// Package keys normalizes identifiers before they are used as join keys.
package keys

import "strings"

// MunicipalityWidth is the width of an INEGI state+municipality code (e.g. 01001).
const MunicipalityWidth = 5

// Municipality normalizes a municipality code to a zero-padded string of the
// given width. Float renderings such as "1001.0" lose their fractional part
// first. Returns "" for values that cannot identify a municipality.
func Municipality(raw string, width int) string {
	code := stripFloat(raw)
	if code == "" {
		return ""
	}
	for len(code) < width {
		code = "0" + code
	}
	return code
}

// Sector returns the two-digit sector group for a rama (SCIAN branch) code.
func Sector(rama string) string {
	code := stripFloat(rama)
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}

// ID normalizes a generic identifier such as a grid id.
func ID(raw string) string {
	return stripFloat(raw)
}

func stripFloat(raw string) string {
	code := strings.TrimSpace(raw)
	switch strings.ToLower(code) {
	case "", "nan", "none", "null", "<na>":
		return ""
	}
	if i := strings.IndexByte(code, '.'); i >= 0 {
		if strings.Trim(code[i+1:], "0") == "" {
			code = code[:i]
		}
	}
	return code
}
