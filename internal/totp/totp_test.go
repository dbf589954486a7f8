package totp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSecrets(t *testing.T) {
	s, err := ParseSecrets("alice:JBSWY3DPEHPK3PXP,bob:KRSXG5CTMVRXEZLU")
	require.NoError(t, err)
	assert.Len(t, s, 2)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", s["alice"])
}

func TestParseSecrets_Empty(t *testing.T) {
	s, err := ParseSecrets("")
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestParseSecrets_Malformed(t *testing.T) {
	_, err := ParseSecrets("alice-no-colon")
	assert.Error(t, err)
}

func TestValidate_CorrectCodeAtCurrentStep(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	s := Secrets{"alice": secret}

	key, err := decodeSecret(secret)
	require.NoError(t, err)
	counter := time.Now().Unix() / 30
	code := generate(key, counter)

	assert.True(t, s.Validate(code))
}

func TestValidate_WrongCodeRejected(t *testing.T) {
	s := Secrets{"alice": "JBSWY3DPEHPK3PXP"}
	assert.False(t, s.Validate("000000"))
}

func TestValidate_AnyMatchingSecretAdmits(t *testing.T) {
	secretB := "KRSXG5CTMVRXEZLU"
	s := Secrets{"alice": "JBSWY3DPEHPK3PXP", "bob": secretB}

	key, err := decodeSecret(secretB)
	require.NoError(t, err)
	code := generate(key, time.Now().Unix()/30)

	assert.True(t, s.Validate(code))
}
