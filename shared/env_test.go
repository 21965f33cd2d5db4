package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	t.Setenv("LIVEVOICE_TEST_STRING", "  hello ")
	t.Setenv("LIVEVOICE_TEST_INT", "42")
	t.Setenv("LIVEVOICE_TEST_BAD_INT", "forty-two")
	t.Setenv("LIVEVOICE_TEST_DURATION", "150ms")
	t.Setenv("LIVEVOICE_TEST_BLANK", "   ")

	s, err := Getenv(GetenvString, "LIVEVOICE_TEST_STRING", true, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	n, err := Getenv(GetenvInt, "LIVEVOICE_TEST_INT", false, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = Getenv(GetenvInt, "LIVEVOICE_TEST_BAD_INT", false, 7)
	assert.Error(t, err)
	assert.Equal(t, 7, n)

	d, err := Getenv(GetenvDuration, "LIVEVOICE_TEST_DURATION", false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, d)

	s, err = Getenv(GetenvString, "LIVEVOICE_TEST_BLANK", false, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", s)

	_, err = Getenv(GetenvString, "LIVEVOICE_TEST_UNSET", true, "")
	assert.Error(t, err)
}

func TestMustGetenvPanics(t *testing.T) {
	assert.Panics(t, func() {
		MustGetenv(GetenvInt, "LIVEVOICE_TEST_UNSET_REQUIRED", true, 0)
	})
	assert.Equal(t, "x", MustGetenv(GetenvString, "LIVEVOICE_TEST_UNSET_OPTIONAL", false, "x"))
}
