package money

import (
	"fmt"
	"strings"
)

// NormalizeMSISDN converts common Kenyan phone number spellings to the
// canonical E.164 form without the plus: 254XXXXXXXXX. Accepted inputs:
// "+2547XXXXXXXX", "2547XXXXXXXX", "07XXXXXXXX", "01XXXXXXXX",
// "7XXXXXXXX", "1XXXXXXXX".
func NormalizeMSISDN(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.TrimPrefix(s, "+")

	switch {
	case strings.HasPrefix(s, "254"):
		// already international
	case strings.HasPrefix(s, "0") && len(s) == 10:
		s = "254" + s[1:]
	case len(s) == 9 && (s[0] == '7' || s[0] == '1'):
		s = "254" + s
	default:
		return "", fmt.Errorf("unrecognised msisdn format %q", raw)
	}

	if len(s) != 12 {
		return "", fmt.Errorf("msisdn %q has wrong length after normalisation", raw)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("msisdn %q contains non-digit characters", raw)
		}
	}
	// Safaricom mobile prefixes start with 7 or 1.
	if s[3] != '7' && s[3] != '1' {
		return "", fmt.Errorf("msisdn %q is not a Kenyan mobile number", raw)
	}
	return s, nil
}

// MSISDNCountry returns the ISO country code guess for an E.164 number
// (without plus). Only the prefixes the risk engine cares about are mapped;
// unknown prefixes return "".
func MSISDNCountry(msisdn string) string {
	prefixes := map[string]string{
		"254": "KE",
		"255": "TZ",
		"256": "UG",
		"93":  "AF",
		"98":  "IR",
		"850": "KP",
		"963": "SY",
	}
	for p, cc := range prefixes {
		if strings.HasPrefix(msisdn, p) {
			return cc
		}
	}
	return ""
}

// ValidMerchantCode reports whether s is a 5-7 digit till/paybill number.
func ValidMerchantCode(s string) bool {
	if len(s) < 5 || len(s) > 7 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
