package verification

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/codycollier/wer"

	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// ExtractPaymentMethod builds a verification request from a card scan result.
func ExtractPaymentMethod(paymentMethodID string, result *models.RecognitionResult) (PaymentMethodRequest, error) {
	if result == nil || result.Recognizer.IsEmpty() {
		return PaymentMethodRequest{}, apperrors.NewValidationError("scan result is empty", nil)
	}
	fields := result.Recognizer.Fields

	number := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, stringField(fields, "cardNumber"))
	if len(number) < 10 {
		return PaymentMethodRequest{}, apperrors.NewValidationError("card number is missing or too short", nil)
	}

	month, year := expiry(fields)
	if month < 1 || month > 12 {
		return PaymentMethodRequest{}, apperrors.NewValidationError(fmt.Sprintf("invalid expiry month %d", month), nil)
	}

	return PaymentMethodRequest{
		PaymentMethodID: paymentMethodID,
		BIN:             number[:6],
		LastDigits:      number[len(number)-4:],
		ExpiryMonth:     month,
		ExpiryYear:      year,
		CardHolder:      strings.TrimSpace(stringField(fields, "owner")),
	}, nil
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func expiry(fields map[string]any) (int, int) {
	if date, ok := fields["expiryDate"].(map[string]any); ok {
		return intValue(date["month"]), intValue(date["year"])
	}
	return intValue(fields["expiryMonth"]), intValue(fields["expiryYear"])
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	}
	return 0
}

// HolderErrorRate is the word error rate of the scanned holder name against the
// expected one, compared case-insensitively.
func HolderErrorRate(expected, scanned string) float64 {
	ref := strings.Fields(strings.ToUpper(expected))
	cand := strings.Fields(strings.ToUpper(scanned))
	if len(ref) == 0 {
		if len(cand) == 0 {
			return 0
		}
		return 1
	}
	rate, _ := wer.WER(ref, cand)
	return rate
}
