package phone_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wekeza-labs/backend-duka/internal/phone"
)

func TestNormalizeTrunkPrefix(t *testing.T) {
	got, err := phone.Normalize("0712345678")
	require.NoError(t, err)
	require.Equal(t, "254712345678", got)
}

func TestNormalizeStripsFormatting(t *testing.T) {
	cases := map[string]string{
		"+254 712 345 678": "254712345678",
		"0712-345-678":     "254712345678",
		"712345678":        "254712345678",
		"254712345678":     "254712345678",
	}
	for input, want := range cases {
		got, err := phone.Normalize(input)
		require.NoError(t, err, "input %q", input)
		require.Equal(t, want, got, "input %q", input)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"0712345678", "+254701234567", "0110 123 456"}
	for _, input := range inputs {
		once, err := phone.Normalize(input)
		require.NoError(t, err)
		twice, err := phone.Normalize(once)
		require.NoError(t, err)
		require.Equal(t, once, twice)
	}
}

func TestNormalizeRejectsShortAndJunk(t *testing.T) {
	for _, input := range []string{"", "   ", "07123", "07x2345678", "hello"} {
		_, err := phone.Normalize(input)
		require.ErrorIs(t, err, phone.ErrInvalidFormat, "input %q", input)
	}
}

func TestIsCanonical(t *testing.T) {
	require.True(t, phone.IsCanonical("254712345678"))
	require.False(t, phone.IsCanonical("0712345678"))
	require.False(t, phone.IsCanonical("+254712345678"))
}
