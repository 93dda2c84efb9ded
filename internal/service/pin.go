package service

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// managerGate keeps only a bcrypt hash of the manager PIN in memory.
type managerGate struct {
	hash []byte
}

func newManagerGate(pin string) *managerGate {
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return &managerGate{}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return &managerGate{}
	}
	return &managerGate{hash: hash}
}

// Verify fails closed when no PIN was configured.
func (g *managerGate) Verify(input string) bool {
	input = strings.TrimSpace(input)
	if input == "" || len(g.hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(input)) == nil
}
