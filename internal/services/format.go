package services

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/shopspring/decimal"
)

var amountPrinter = message.NewPrinter(language.Indonesian)

// formatAmount renders an integer minor-unit amount for buyer-facing copy,
// e.g. "Rp35.000" for IDR. Unknown currencies fall back to "<code> <amount>".
func formatAmount(currency string, amount int64) string {
	switch strings.ToUpper(strings.TrimSpace(currency)) {
	case "IDR", "":
		return amountPrinter.Sprintf("Rp%d", amount)
	default:
		return amountPrinter.Sprintf("%s %d", strings.ToUpper(currency), amount)
	}
}

// formatQuantity renders a decimal weight without trailing zeros, with the
// unit appended when present.
func formatQuantity(quantity decimal.Decimal, unit string) string {
	text := quantity.String()
	if unit = strings.TrimSpace(unit); unit != "" {
		return fmt.Sprintf("%s %s", text, unit)
	}
	return text
}
