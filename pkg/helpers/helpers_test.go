package helpers

import (
	"testing"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},         // 1 BTC
		{50000000, 8, "0.5"},        // 0.5 BTC
		{12345678, 8, "0.12345678"}, // all decimals
		{100000, 8, "0.001"},        // small amount
		{1, 8, "0.00000001"},        // 1 satoshi
		{0, 8, "0"},                 // zero
		{123, 0, "123"},             // no decimals
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatAmount(tt.amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestSatoshisToBTC(t *testing.T) {
	if got := SatoshisToBTC(100000000); got != "1" {
		t.Errorf("SatoshisToBTC(100000000) = %s, want 1", got)
	}
}
