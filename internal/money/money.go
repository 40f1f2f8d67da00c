package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrInvalidAmount indicates a monetary value that could not be parsed.
	ErrInvalidAmount = errors.New("money: invalid amount")
	// ErrNegativeAmount indicates a monetary value below zero where only
	// non-negative values are meaningful.
	ErrNegativeAmount = errors.New("money: negative amount")
)

// Cents is an exact monetary value in integer cents. All arithmetic in this
// package stays in integer cents so repeated division never accumulates
// floating-point drift.
type Cents int64

// ParseAmount converts a decimal string such as "10", "10.5" or "10.00" into
// Cents. At most two fractional digits are accepted.
func ParseAmount(raw string) (Cents, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	negative := false
	if strings.HasPrefix(trimmed, "-") {
		negative = true
		trimmed = trimmed[1:]
	}

	wholePart, fractionPart, hasFraction := strings.Cut(trimmed, ".")
	if wholePart == "" {
		wholePart = "0"
	}
	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	var fraction int64
	if hasFraction {
		if fractionPart == "" || len(fractionPart) > 2 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
		}
		padded := fractionPart + strings.Repeat("0", 2-len(fractionPart))
		fraction, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
		}
	}

	cents := whole*100 + fraction
	if negative {
		cents = -cents
	}
	return Cents(cents), nil
}

// String renders the value as a two-decimal amount, e.g. "3.34".
func (c Cents) String() string {
	value := int64(c)
	sign := ""
	if value < 0 {
		sign = "-"
		value = -value
	}
	return fmt.Sprintf("%s%d.%02d", sign, value/100, value%100)
}

// MarshalJSON renders the amount as a quoted decimal string, matching the
// REST channel which serializes monetary decimals as strings.
func (c Cents) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts either a quoted decimal string ("5.00") or a bare
// JSON number (5.00). Both shapes occur on the wire.
func (c *Cents) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		return fmt.Errorf("%w: null", ErrInvalidAmount)
	}
	if strings.HasPrefix(text, `"`) {
		var quoted string
		if err := json.Unmarshal(data, &quoted); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, data)
		}
		text = quoted
	}

	parsed, err := ParseAmount(text)
	if err == nil {
		*c = parsed
		return nil
	}

	// Bare numbers may carry an exponent or excess precision; fall back to
	// float parsing and round to the cent.
	value, floatErr := strconv.ParseFloat(text, 64)
	if floatErr != nil {
		return err
	}
	*c = Cents(math.Round(value * 100))
	return nil
}
