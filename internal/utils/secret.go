package utils

import "golang.org/x/crypto/bcrypt"

// HashSecret returns the bcrypt hash of a pairing secret.
func HashSecret(plain string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifySecret compares a bcrypt hash with a candidate secret.  An empty
// hash never matches.
func VerifySecret(hash, plain string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
