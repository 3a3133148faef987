package xclid

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// Local returns a Factory that derives tokens locally from a per-generator
// random seed. It never fetches anything, so it is the fallback used when no
// platform-specific factory is injected.
func Local() Factory {
	return func(_ context.Context) (Generator, error) {
		var seed [16]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, err
		}
		return &local{seed: seed}, nil
	}
}

type local struct {
	seed [16]byte
}

var _ Generator = (*local)(nil)

// Calc mixes the seed with the request shape and a fresh nonce so values are
// unique per call but stable in length and alphabet.
func (l *local) Calc(method, path string) (string, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(l.seed[:])
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write(nonce[:])
	sum := h.Sum(nil)
	return base64.RawStdEncoding.EncodeToString(append(sum, nonce[:]...)), nil
}
