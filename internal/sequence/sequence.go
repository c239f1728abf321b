// Package sequence formats per-owner invoice numbers. The counter itself lives
// in the store so it can be incremented inside the checkout transaction.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const Prefix = "INV"

var ErrMalformed = errors.New("malformed invoice number")

// Counter hands out the next value of an owner's invoice counter. Implementations
// must be atomic with respect to concurrent callers for the same owner.
type Counter interface {
	NextInvoiceSequence(ctx context.Context) (int64, error)
}

// Format renders n zero-padded to at least three digits: INV-001, INV-042, INV-1000.
func Format(n int64) string {
	return fmt.Sprintf("%s-%03d", Prefix, n)
}

func Parse(number string) (int64, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(number), Prefix+"-")
	if !ok || rest == "" {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, number)
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, number)
	}
	return n, nil
}

// Next draws the next counter value and returns it with its formatted number.
func Next(ctx context.Context, counter Counter) (int64, string, error) {
	n, err := counter.NextInvoiceSequence(ctx)
	if err != nil {
		return 0, "", err
	}
	if n < 1 {
		return 0, "", fmt.Errorf("invoice counter returned %d", n)
	}
	return n, Format(n), nil
}
