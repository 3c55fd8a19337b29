package solana

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAmount_String(t *testing.T) {
	tests := []struct {
		amount TokenAmount
		want   string
	}{
		{TokenAmount{Amount: 0, Decimals: 6}, "0.000000"},
		{TokenAmount{Amount: 1, Decimals: 6}, "0.000001"},
		{TokenAmount{Amount: 1_000_000, Decimals: 6}, "1.000000"},
		{TokenAmount{Amount: 12_345_678, Decimals: 6}, "12.345678"},
		{TokenAmount{Amount: 42, Decimals: 0}, "42"},
		{TokenAmount{Amount: 1_500_000_000, Decimals: 9}, "1.500000000"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.amount.String())
		})
	}
}

func TestTokenAmount_Float64(t *testing.T) {
	assert.InDelta(t, 12.345678, TokenAmount{Amount: 12_345_678, Decimals: 6}.Float64(), 1e-9)
	assert.Equal(t, 0.0, TokenAmount{Decimals: 6}.Float64())
}

func TestParseTokenAmount(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{input: "1", decimals: 6, want: 1_000_000},
		{input: "0.25", decimals: 6, want: 250_000},
		{input: ".5", decimals: 6, want: 500_000},
		{input: "1.", decimals: 6, want: 1_000_000},
		{input: " 3 ", decimals: 2, want: 300},
		{input: "0.000001", decimals: 6, want: 1},
		{input: "7", decimals: 0, want: 7},
		{input: "0.0000001", decimals: 6, wantErr: true},
		{input: "", decimals: 6, wantErr: true},
		{input: ".", decimals: 6, wantErr: true},
		{input: "-1", decimals: 6, wantErr: true},
		{input: "1e6", decimals: 6, wantErr: true},
		{input: "1.2.3", decimals: 6, wantErr: true},
		{input: "99999999999999999999", decimals: 6, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTokenAmount(tt.input, tt.decimals)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Amount)
			assert.Equal(t, tt.decimals, got.Decimals)
		})
	}
}
