// Package utils provides small helpers shared across the pipeline.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// FormatSymbol normalizes a trading symbol to upper-case BASE/QUOTE form.
func FormatSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	symbol = strings.ToUpper(symbol)
	symbol = strings.ReplaceAll(symbol, "-", "/")
	symbol = strings.ReplaceAll(symbol, "_", "/")

	if !strings.Contains(symbol, "/") {
		quotes := []string{"USDT", "USDC", "USD", "BTC", "ETH"}
		for _, quote := range quotes {
			if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
				base := strings.TrimSuffix(symbol, quote)
				return base + "/" + quote
			}
		}
	}

	return symbol
}

// RoundToTickSize rounds a price down to the nearest tick size.
func RoundToTickSize(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// RoundToStepSize rounds a quantity down to the nearest step size.
func RoundToStepSize(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// MinDecimal returns the minimum of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// ParseTimeRange parses strings like "90d", "6h", "2w" into a duration.
func ParseTimeRange(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid time range: %s", s)
	}

	value := 0
	for i, c := range s {
		if c >= '0' && c <= '9' {
			value = value*10 + int(c-'0')
		} else {
			unit := s[i:]
			switch unit {
			case "s", "sec", "second", "seconds":
				return time.Duration(value) * time.Second, nil
			case "m", "min", "minute", "minutes":
				return time.Duration(value) * time.Minute, nil
			case "h", "hr", "hour", "hours":
				return time.Duration(value) * time.Hour, nil
			case "d", "day", "days":
				return time.Duration(value) * 24 * time.Hour, nil
			case "w", "week", "weeks":
				return time.Duration(value) * 7 * 24 * time.Hour, nil
			case "mo", "month", "months":
				return time.Duration(value) * 30 * 24 * time.Hour, nil
			case "y", "year", "years":
				return time.Duration(value) * 365 * 24 * time.Hour, nil
			default:
				return 0, fmt.Errorf("unknown time unit: %s", unit)
			}
		}
	}

	return 0, fmt.Errorf("invalid time range: %s", s)
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Retry retries a function with exponential backoff.
func Retry[T any](config RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var err error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}

		if attempt == config.MaxAttempts {
			break
		}

		time.Sleep(delay)
		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return result, fmt.Errorf("after %d attempts: %w", config.MaxAttempts, err)
}
