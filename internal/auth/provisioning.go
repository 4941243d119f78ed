package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor for bcrypt hashing
const BcryptCost = 12

// HashProvisioningKey hashes a factory provisioning key for the config file
func HashProvisioningKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckProvisioningKey compares a presented key with its hash.
// An empty hash disables the check.
func CheckProvisioningKey(key, hash string) bool {
	if hash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
