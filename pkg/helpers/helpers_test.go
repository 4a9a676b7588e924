package helpers

import (
	"math/big"
	"testing"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"1000000000000000000", 18, "1"},
		{"1500000000000000000", 18, "1.5"},
		{"1", 18, "0.000000000000000001"},
		{"0", 18, "0"},
		{"123456", 0, "123456"},
		{"100500000", 8, "1.005"},
	}

	for _, tt := range tests {
		amount, _ := new(big.Int).SetString(tt.amount, 10)
		got := FormatAmount(amount, tt.decimals)
		if got != tt.want {
			t.Errorf("FormatAmount(%s, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		s        string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"1", 18, "1000000000000000000", false},
		{"1.5", 18, "1500000000000000000", false},
		{"0.000000000000000001", 18, "1", false},
		{"1.005", 8, "100500000", false},
		{"", 18, "", true},
		{"1.2.3", 18, "", true},
		{"abc", 18, "", true},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.s, tt.decimals)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%q) expected error, got %v", tt.s, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q) error = %v", tt.s, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseAmount(%q) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "0.5", "1234.000000000000000001"} {
		amount, err := ParseAmount(s, 18)
		if err != nil {
			t.Fatalf("ParseAmount(%q) error = %v", s, err)
		}
		if got := FormatAmount(amount, 18); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestWithinToleranceBps(t *testing.T) {
	want := big.NewInt(1000000)

	// Exactly equal
	if !WithinToleranceBps(big.NewInt(1000000), want, 10) {
		t.Error("equal amounts should be within tolerance")
	}
	// 0.1% below (exactly at 10 bps)
	if !WithinToleranceBps(big.NewInt(999000), want, 10) {
		t.Error("0.1%% difference should be within 10 bps")
	}
	// Just beyond 10 bps
	if WithinToleranceBps(big.NewInt(998999), want, 10) {
		t.Error("difference beyond 10 bps should be rejected")
	}
	// Nil / zero guard
	if WithinToleranceBps(nil, want, 10) {
		t.Error("nil amount should be rejected")
	}
	if WithinToleranceBps(big.NewInt(1), big.NewInt(0), 10) {
		t.Error("zero expected amount should be rejected")
	}
}

func TestDecodeHash(t *testing.T) {
	h := [32]byte{0xab, 0xcd}
	encoded := EncodeHash(h)
	decoded, err := DecodeHash(encoded)
	if err != nil {
		t.Fatalf("DecodeHash() error = %v", err)
	}
	if decoded != h {
		t.Error("round trip mismatch")
	}

	if _, err := DecodeHash("0x1234"); err == nil {
		t.Error("short hash should fail")
	}
	if _, err := DecodeHash("zzzz"); err == nil {
		t.Error("non-hex should fail")
	}
}

func TestValidateEVMAddress(t *testing.T) {
	if !ValidateEVMAddress("0x37e565Bab0c11756806480102E09871f33403D8d") {
		t.Error("valid address rejected")
	}
	if ValidateEVMAddress("37e565Bab0c11756806480102E09871f33403D8d") {
		t.Error("missing prefix accepted")
	}
	if ValidateEVMAddress("0x1234") {
		t.Error("short address accepted")
	}
}
