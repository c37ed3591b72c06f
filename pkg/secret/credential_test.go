package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialClearZeroesBuffer(t *testing.T) {
	tests := []struct {
		name string
		make func() (*Credential, error)
	}{
		{"PairingCode", func() (*Credential, error) { return NewPairingCode("11223344556") }},
		{"AccessToken", func() (*Credential, error) { return NewAccessToken([]byte{0xde, 0xad, 0xbe, 0xef}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.make()
			require.NoError(t, err)

			backing := c.Bytes()
			require.NotEmpty(t, backing)

			c.Clear()

			for i, b := range backing {
				if b != 0 {
					t.Fatalf("byte %d = %#x after Clear, want 0", i, b)
				}
			}
			assert.Equal(t, 0, c.Len())
			assert.Equal(t, KindNone, c.Kind())
			assert.Nil(t, c.Bytes())
		})
	}
}

func TestCredentialSetZeroesPrevious(t *testing.T) {
	c, err := NewPairingCode("12345678")
	require.NoError(t, err)
	old := c.Bytes()

	require.NoError(t, c.Set(KindAccessToken, []byte{1, 2, 3}))

	for _, b := range old {
		assert.Zero(t, b)
	}
	assert.Equal(t, KindAccessToken, c.Kind())
	assert.Equal(t, []byte{1, 2, 3}, c.Bytes())
}

func TestCredentialSetValidation(t *testing.T) {
	c := None()
	assert.ErrorIs(t, c.Set(KindNone, []byte{1}), ErrInvalidKind)
	assert.ErrorIs(t, c.Set(KindPairingCode, nil), ErrEmptyCredential)
	assert.ErrorIs(t, c.Set(Kind(42), []byte{1}), ErrInvalidKind)
	assert.NoError(t, c.Set(KindNone, nil))
	assert.True(t, c.IsEmpty())
}

func TestCredentialCopiesInput(t *testing.T) {
	in := []byte{9, 9, 9}
	c, err := NewAccessToken(in)
	require.NoError(t, err)

	in[0] = 0
	assert.Equal(t, byte(9), c.Bytes()[0])
}

func TestNewPairingCodeOwnsSingleBuffer(t *testing.T) {
	code := "0123456789012345678901234567890123456789012345678901234567890123"

	// The credential and its buffer; no intermediate copy of the code.
	allocs := testing.AllocsPerRun(10, func() {
		c, err := NewPairingCode(code)
		if err != nil {
			t.Fatal(err)
		}
		c.Clear()
	})
	assert.LessOrEqual(t, allocs, 2.0)

	c, err := NewPairingCode(code)
	require.NoError(t, err)
	b := c.Bytes()
	assert.Equal(t, code, string(b))
	c.Clear()
	assert.Equal(t, make([]byte, len(code)), b)
}

func TestCredentialTake(t *testing.T) {
	c, err := NewPairingCode("11223344556")
	require.NoError(t, err)

	moved := c.Take()

	assert.Equal(t, KindPairingCode, moved.Kind())
	assert.Equal(t, "11223344556", string(moved.Bytes()))
	assert.Equal(t, KindNone, c.Kind())
	assert.Equal(t, 0, c.Len())
}

func TestCredentialClone(t *testing.T) {
	c, err := NewPairingCode("abc")
	require.NoError(t, err)

	cp := c.Clone()
	c.Clear()

	assert.Equal(t, "abc", string(cp.Bytes()))
	assert.Equal(t, KindPairingCode, cp.Kind())
}

func TestCredentialNilSafe(t *testing.T) {
	var c *Credential
	assert.Equal(t, KindNone, c.Kind())
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.IsEmpty())
	c.Clear()
	assert.Equal(t, KindNone, c.Clone().Kind())
	assert.Equal(t, KindNone, c.Take().Kind())
}

func TestCredentialStringHidesSecret(t *testing.T) {
	c, err := NewPairingCode("secret-code")
	require.NoError(t, err)
	assert.Equal(t, "PAIRING_CODE", c.String())
}

func TestNewCredentialRejectsEmpty(t *testing.T) {
	_, err := NewPairingCode("")
	assert.ErrorIs(t, err, ErrEmptyCredential)
	_, err = NewAccessToken(nil)
	assert.ErrorIs(t, err, ErrEmptyCredential)
}
