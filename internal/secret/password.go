// Package secret generates credentials for nodes that require a password
// (spec §9 design note: "random 16-char password").
package secret

import (
	"crypto/rand"

	"github.com/teranos/syncd/errors"
)

// alphabet is URL-safe so generated passwords are never mangled when
// surfaced through a JSON webhook response or a query string.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// Length is the number of characters generated by GeneratePassword.
const Length = 16

// GeneratePassword returns a cryptographically random password, surfaced to
// the webhook caller (via the UserCreated intent payload) so an operator
// can distribute it.
func GeneratePassword() (string, error) {
	return Generate(Length)
}

// Generate returns a cryptographically random string of n characters drawn
// from the URL-safe alphabet.
func Generate(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "secret: read random bytes")
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
