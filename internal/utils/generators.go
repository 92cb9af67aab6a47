package utils

import (
	"crypto/rand"
	"math/big"
)

const (
	orderIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	localIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

func randomString(alphabet string, n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken
			panic(err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out)
}

// GenerateOrderID returns "CMD-" followed by 8 uppercase alphanumerics.
func GenerateOrderID() string {
	return "CMD-" + randomString(orderIDAlphabet, 8)
}

// GenerateLocalID returns the 15-char alphanumeric transaction correlation id
// surfaced to the UI and used as the gateway idempotency key.
func GenerateLocalID() string {
	return randomString(localIDAlphabet, 15)
}
