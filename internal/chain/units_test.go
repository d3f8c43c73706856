package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int32
		want     string
		wantErr  bool
	}{
		{"0.025", 18, "25000000000000000", false},
		{"1", 18, "1000000000000000000", false},
		{" 2000 ", 8, "200000000000", false},
		{"0.123456789", 6, "123456", false}, // truncated
		{"", 18, "", true},
		{"abc", 18, "", true},
		{"-1", 18, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ParseUnits(tt.amount, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "0.025", FromWei(big.NewInt(25_000_000_000_000_000)))
	assert.Equal(t, "100", FromWei(Ether(100)))
	assert.Equal(t, "0", FormatUnits(nil, 18))
	assert.Equal(t, "2000", FormatUnits(big.NewInt(200_000_000_000), 8))
}

func TestMustToWei(t *testing.T) {
	assert.Equal(t, Ether(1), MustToWei("1"))
	assert.Panics(t, func() { MustToWei("one") })
}
