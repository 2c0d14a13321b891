package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i)
	}

	c2s1, s2c1 := DeriveSessionKeys(secret, "label-a")
	c2s2, s2c2 := DeriveSessionKeys(secret, "label-a")

	assert.Equal(t, c2s1, c2s2)
	assert.Equal(t, s2c1, s2c2)
	assert.NotEqual(t, c2s1, s2c1)
}

func TestDeriveSessionKeysLabelChangesOutput(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i)
	}

	c2sA, s2cA := DeriveSessionKeys(secret, "label-a")
	c2sB, s2cB := DeriveSessionKeys(secret, "label-b")

	assert.NotEqual(t, c2sA, c2sB)
	assert.NotEqual(t, s2cA, s2cB)
}

func TestDeriveSessionKeysSecretChangesOutput(t *testing.T) {
	var secretA, secretB [32]byte
	secretB[0] = 1

	c2sA, _ := DeriveSessionKeys(secretA, "label")
	c2sB, _ := DeriveSessionKeys(secretB, "label")

	assert.NotEqual(t, c2sA, c2sB)
}
