package crypto

import "fmt"

// Secret holds a plaintext credential. Its String form is always masked so
// a Secret can never leak through logging or error formatting; the only
// way to get the raw value is an explicit Plaintext call.
type Secret string

// Plaintext returns the raw secret value.
func (s Secret) Plaintext() string {
	return string(s)
}

// String implements fmt.Stringer with the masked form.
func (s Secret) String() string {
	return Mask(string(s))
}

// GoString keeps %#v from leaking the raw value.
func (s Secret) GoString() string {
	return fmt.Sprintf("crypto.Secret(%s)", Mask(string(s)))
}

// Mask replaces the middle of a secret with "****", keeping the first and
// last 4 characters for operator debugging. Short secrets are fully
// masked.
func Mask(secret string) string {
	if len(secret) <= 12 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
