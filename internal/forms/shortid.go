package forms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
)

const shortIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// shortIDAttempts bounds collision retries before giving up.
const shortIDAttempts = 10

var (
	// ErrShortIDExhausted is returned when every attempt collided with an existing form.
	ErrShortIDExhausted = errors.New("could not allocate a unique short id")
	// ErrShortIDTaken is returned by Create when another form won the short id first.
	ErrShortIDTaken = errors.New("short id already taken")
)

// NewShortID returns n random characters from [A-Za-z0-9].
func NewShortID(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("short id: %w", err)
		}
		for _, b := range buf {
			// 248 = 4*62; bytes above it would bias the first characters.
			if b >= 248 {
				continue
			}
			out = append(out, shortIDAlphabet[int(b)%len(shortIDAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// AllocateShortID generates short ids until exists reports a free one.
func AllocateShortID(ctx context.Context, n int, exists func(context.Context, string) (bool, error)) (string, error) {
	for i := 0; i < shortIDAttempts; i++ {
		id, err := NewShortID(n)
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrShortIDExhausted
}

// CreateWithShortID allocates a short id and runs create with it, starting over with a fresh
// id when create reports ErrShortIDTaken. The pre-check in AllocateShortID only narrows the
// window; the unique index settles concurrent allocations.
func CreateWithShortID(ctx context.Context, n int, exists func(context.Context, string) (bool, error), create func(shortID string) error) (string, error) {
	for i := 0; i < shortIDAttempts; i++ {
		id, err := AllocateShortID(ctx, n, exists)
		if err != nil {
			return "", err
		}
		err = create(id)
		if errors.Is(err, ErrShortIDTaken) {
			continue
		}
		return id, err
	}
	return "", ErrShortIDExhausted
}
