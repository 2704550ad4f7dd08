package cardgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratePAN(t *testing.T) {
	for _, bin := range []string{"4859", "5329", "453201", "54120000"} {
		pan, err := GeneratePAN(bin, DefaultPANLength)
		require.NoError(t, err)
		require.Len(t, pan, DefaultPANLength)
		require.True(t, strings.HasPrefix(pan, bin))
		require.NoError(t, ValidatePAN(pan))
	}
}

func TestGeneratePANRejectsBadInput(t *testing.T) {
	_, err := GeneratePAN("48a9", 16)
	require.Error(t, err)

	_, err = GeneratePAN("485", 16)
	require.Error(t, err)

	_, err = GeneratePAN("4859", 12)
	require.Error(t, err)
}

func TestGenerateUniquePAN(t *testing.T) {
	calls := 0
	pan, err := GenerateUniquePAN("4859", 16, 3, func(string) bool {
		calls++
		return calls == 1
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.NoError(t, ValidatePAN(pan))

	_, err = GenerateUniquePAN("4859", 16, 2, func(string) bool { return true })
	require.Error(t, err)
}

func TestValidatePAN(t *testing.T) {
	require.NoError(t, ValidatePAN("4111111111111111"))
	require.Error(t, ValidatePAN("4111111111111112"))
	require.Error(t, ValidatePAN("41111111"))
	require.Error(t, ValidatePAN(""))
}

func TestMaskPAN(t *testing.T) {
	require.Equal(t, "411111******1111", MaskPAN("4111 1111 1111 1111"))
	require.Equal(t, "****5678", MaskPAN("12345678"))
	require.Equal(t, "***", MaskPAN("123"))
	require.Equal(t, "", MaskPAN(""))
	require.Equal(t, "1111", LastN("4111111111111111", 4))
}

func TestDemoCVV(t *testing.T) {
	key := []byte("test-key")
	a, err := DemoCVV("4111111111111111", "2912", key)
	require.NoError(t, err)
	require.Len(t, a, 3)

	b, err := DemoCVV("4111-1111-1111-1111", "2912", key)
	require.NoError(t, err)
	require.Equal(t, a, b)

	_, err = DemoCVV("4111111111111112", "2912", key)
	require.Error(t, err)
}
