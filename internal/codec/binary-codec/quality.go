// Package binarycodec implements the slice of the XRPL binary format this
// module needs: the conversion between a textual offer quality and the
// fixed-width hex key stored in the low 8 bytes of a book directory. All
// ordering and tie-breaking between offers goes through this key, never
// through floating-point comparison, so two near-equal qualities always sort
// the same way rippled sorts them.
package binarycodec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// qualityKeyLen is the hex length of an encoded quality, the suffix of
	// a 64-character book directory.
	qualityKeyLen = 16

	mantissaDigits = 16
	exponentBias   = 100
	mantissaMask   = (uint64(1) << 56) - 1
)

// EncodeQuality converts a decimal quality string into its 16-character
// uppercase hex book-directory key: one byte of biased base-10 exponent
// followed by seven bytes of 16-digit mantissa.
func EncodeQuality(quality string) (string, error) {
	d, err := decimal.NewFromString(quality)
	if err != nil {
		return "", fmt.Errorf("parse quality %q: %w", quality, err)
	}
	if d.Sign() <= 0 {
		return "", fmt.Errorf("quality %q is not positive", quality)
	}

	// Base-10 exponent of the most significant digit, then shift so the
	// mantissa is a 16-digit integer.
	adjusted := int32(d.NumDigits()) + d.Exponent() - 1
	exponent := adjusted - (mantissaDigits - 1)
	mantissa := d.Shift(-exponent)
	if !mantissa.IsInteger() {
		return "", fmt.Errorf("quality %q exceeds %d significant digits", quality, mantissaDigits)
	}

	biased := int64(exponent) + exponentBias
	if biased < 0 || biased > 0xff {
		return "", fmt.Errorf("quality %q exponent out of range", quality)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(biased)<<56|uint64(mantissa.IntPart()))
	return strings.ToUpper(hex.EncodeToString(buf[:])), nil
}

// DecodeQuality is the inverse of EncodeQuality.
func DecodeQuality(key string) (string, error) {
	if len(key) != qualityKeyLen {
		return "", fmt.Errorf("quality key %q is not %d hex characters", key, qualityKeyLen)
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode quality key %q: %w", key, err)
	}
	u := binary.BigEndian.Uint64(raw)
	exponent := int32(u>>56) - exponentBias
	mantissa := decimal.New(int64(u&mantissaMask), exponent)
	return trimTrailingZeros(mantissa.String()), nil
}

func trimTrailingZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
