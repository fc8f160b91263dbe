package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultPutTakeRoundtrip(t *testing.T) {
	v, err := NewVault()
	require.NoError(t, err)

	secret := []byte("hunter2")
	ref, err := v.Put(append([]byte(nil), secret...))
	require.NoError(t, err)

	got, err := v.Take(ref)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(got))
}

func TestVaultTakeIsOneTime(t *testing.T) {
	v, err := NewVault()
	require.NoError(t, err)

	ref, err := v.Put([]byte("s3cret"))
	require.NoError(t, err)

	_, err = v.Take(ref)
	require.NoError(t, err)

	_, err = v.Take(ref)
	assert.Error(t, err)
}

func TestVaultPendingAndDiscard(t *testing.T) {
	v, err := NewVault()
	require.NoError(t, err)

	ref, err := v.Put([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 1, v.Pending())

	v.Discard(ref)
	assert.Equal(t, 0, v.Pending())

	_, err = v.Take(ref)
	assert.Error(t, err)
}

func TestVaultUnknownRef(t *testing.T) {
	v, err := NewVault()
	require.NoError(t, err)

	_, err = v.Take("does-not-exist")
	assert.Error(t, err)
}
