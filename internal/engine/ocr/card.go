package ocr

import (
	"regexp"
	"strconv"
	"strings"
)

// CardFields are the payment card fields read from one frame.
type CardFields struct {
	CardNumber  string
	ExpiryMonth int
	ExpiryYear  int
	ExpiryRaw   string
	Owner       string
	CVV         string
}

var (
	numberPattern = regexp.MustCompile(`(?:\d[ -]?){12,18}\d`)
	expiryPattern = regexp.MustCompile(`\b(0[1-9]|1[0-2])\s?[/-]\s?(\d{4}|\d{2})\b`)
	cvvPattern    = regexp.MustCompile(`\b(?:CVV2?|CVC2?|CID)\s*:?\s*(\d{3,4})\b`)
	ownerPattern  = regexp.MustCompile(`^[A-Z][A-Z.'-]+(?: [A-Z][A-Z.'-]*){1,3}$`)
)

// Words printed on cards that are never part of the holder name.
var cardWords = map[string]bool{
	"VALID": true, "THRU": true, "FROM": true, "GOOD": true, "MONTH": true, "YEAR": true,
	"DEBIT": true, "CREDIT": true, "BANK": true, "CARD": true, "VISA": true,
	"MASTERCARD": true, "ELECTRON": true, "MAESTRO": true, "PLATINUM": true,
	"GOLD": true, "BUSINESS": true, "CLASSIC": true, "EXPRESS": true, "AMERICAN": true,
	"MEMBER": true, "SINCE": true, "AUTHORIZED": true, "SIGNATURE": true,
}

// ParseCard extracts card fields from OCR text.
func ParseCard(text string) CardFields {
	upper := strings.ToUpper(text)
	var f CardFields

	for _, candidate := range numberPattern.FindAllString(upper, -1) {
		if number := cardNumber(stripSeparators(candidate)); number != "" {
			f.CardNumber = number
			break
		}
	}

	if m := expiryPattern.FindStringSubmatch(upper); m != nil {
		f.ExpiryMonth, _ = strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[2])
		if year < 100 {
			year += 2000
		}
		f.ExpiryYear = year
		f.ExpiryRaw = m[0]
	}

	if m := cvvPattern.FindStringSubmatch(upper); m != nil {
		f.CVV = m[1]
	}

	for _, line := range strings.Split(upper, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if ownerPattern.MatchString(line) && !hasCardWord(line) {
			f.Owner = line
			break
		}
	}
	return f
}

// Common card number lengths first; a match may run into trailing digits.
var numberLengths = []int{16, 15, 19, 18, 17, 14, 13}

func cardNumber(digits string) string {
	for _, n := range numberLengths {
		if len(digits) >= n && luhnValid(digits[:n]) {
			return digits[:n]
		}
	}
	return ""
}

func stripSeparators(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

func hasCardWord(line string) bool {
	for _, w := range strings.Fields(line) {
		if cardWords[w] {
			return true
		}
	}
	return false
}

// luhnValid reports whether digits pass the Luhn checksum.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Issuer names the card network from the number prefix.
func Issuer(number string) string {
	if len(number) < 4 {
		return ""
	}
	two, _ := strconv.Atoi(number[:2])
	four, _ := strconv.Atoi(number[:4])
	switch {
	case number[0] == '4':
		return "Visa"
	case two >= 51 && two <= 55, four >= 2221 && four <= 2720:
		return "Mastercard"
	case two == 34 || two == 37:
		return "American Express"
	case four == 6011 || two == 65:
		return "Discover"
	case two == 35:
		return "JCB"
	}
	return ""
}

// maskNumber keeps the first six and last four digits.
func maskNumber(number string) string {
	if len(number) <= 10 {
		return number
	}
	return number[:6] + strings.Repeat("*", len(number)-10) + number[len(number)-4:]
}
