package tools

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// StrategyNames maps helper strategy codes to display names.
var StrategyNames = map[string]string{
	"0": "disable",
	"1": "conservative",
	"2": "balanced",
	"3": "aggressive",
}

// StrategyName returns the display name of code, or code itself when unknown.
func StrategyName(code string) string {
	if n, ok := StrategyNames[code]; ok {
		return n
	}
	return code
}

// FormatUnits renders an integer amount scaled down by 10^decimals, trimming
// trailing zeros but keeping at least one fractional digit.
func FormatUnits(value string, decimals int) (string, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return "", fmt.Errorf("invalid integer amount %q", value)
	}
	if decimals < 0 {
		return "", fmt.Errorf("invalid decimals %d", decimals)
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		frac = "0"
	}
	out := whole + "." + frac
	if neg {
		out = "-" + out
	}
	return out, nil
}

// formatBalance is FormatUnits that falls back to the raw value.
func formatBalance(value string, decimals int) string {
	s, err := FormatUnits(value, decimals)
	if err != nil {
		return value
	}
	return s
}

// Pretty renders v as indented JSON. Strings holding JSON objects or arrays
// are re-indented; other strings are returned unchanged.
func Pretty(v any) string {
	if s, ok := v.(string); ok {
		trimmed := strings.TrimSpace(s)
		if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
			(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				if b, err := json.MarshalIndent(parsed, "", "  "); err == nil {
					return string(b)
				}
			}
		}
		return s
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// IndentLines pads every non-empty line of text with n spaces.
func IndentLines(text string, n int) string {
	pad := strings.Repeat(" ", n)
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = pad + l
		}
	}
	return strings.Join(lines, "\n")
}

// numericKeys returns map keys sorted as integers.
func numericKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.ParseFloat(keys[i], 64)
		b, _ := strconv.ParseFloat(keys[j], 64)
		return a < b
	})
	return keys
}

// headTail renders the first and last n items, "[]" when empty.
func headTail[T any](items []T, n int, render func(T) string) (string, string) {
	join := func(part []T) string {
		if len(part) == 0 {
			return "[]"
		}
		out := make([]string, len(part))
		for i, it := range part {
			out[i] = render(it)
		}
		return strings.Join(out, ", ")
	}
	head := items
	if len(head) > n {
		head = head[:n]
	}
	tail := items
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	return join(head), join(tail)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
