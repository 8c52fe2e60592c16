package domain

import (
	"crypto/rand"
	"math/big"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomToken returns n characters drawn uniformly from uppercase letters and digits
func RandomToken(n int) string {
	out := make([]byte, n)
	limit := big.NewInt(int64(len(tokenAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(err)
		}
		out[i] = tokenAlphabet[idx.Int64()]
	}
	return string(out)
}
