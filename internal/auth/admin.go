package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoAdmin     = errors.New("admin login disabled")
	ErrBadPassword = errors.New("invalid password")
)

// SessionKey marks an authenticated admin in the scs session.
const SessionKey = "admin"

// Admin is the single site editor. An empty Hash disables login.
type Admin struct {
	Hash []byte
}

func NewAdmin(hash string) Admin {
	return Admin{Hash: []byte(hash)}
}

func (a Admin) Enabled() bool {
	return len(a.Hash) > 0
}

func (a Admin) Verify(password string) error {
	if !a.Enabled() {
		return ErrNoAdmin
	}
	err := bcrypt.CompareHashAndPassword(a.Hash, []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrBadPassword
	}
	return err
}

// HashPassword is used by tests and provisioning to produce ADMIN_PASSWORD_HASH.
func HashPassword(password string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
