// Package addresscodec encodes and validates XRPL classic addresses: a
// base58check encoding over the XRPL alphabet of a one-byte type prefix, a
// 20-byte account ID, and a 4-byte double-SHA256 checksum.
package addresscodec

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/crypto/ripemd160"
)

// xrplAlphabet is the rippled base58 dictionary. Note the leading 'r', which
// is why zero bytes render as 'r' and account addresses start with one.
const xrplAlphabet = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

// accountAddressPrefix tags a payload as an account ID.
const accountAddressPrefix = 0x00

const (
	accountIDLen = 20
	checksumLen  = 4
)

var (
	ErrInvalidAddress  = errors.New("invalid classic address")
	ErrInvalidChecksum = errors.New("invalid address checksum")
)

var alphabetIndex = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(xrplAlphabet); i++ {
		idx[xrplAlphabet[i]] = int8(i)
	}
	return idx
}()

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:checksumLen]
}

func encodeBase58(payload []byte) string {
	n := new(big.Int).SetBytes(payload)
	radix := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.QuoRem(n, radix, mod)
		out = append(out, xrplAlphabet[mod.Int64()])
	}
	for _, b := range payload {
		if b != 0 {
			break
		}
		out = append(out, xrplAlphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func decodeBase58(s string) ([]byte, error) {
	n := new(big.Int)
	radix := big.NewInt(58)
	for i := 0; i < len(s); i++ {
		d := alphabetIndex[s[i]]
		if d < 0 {
			return nil, fmt.Errorf("character %q is not in the XRPL base58 alphabet", s[i])
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(d)))
	}

	var zeros int
	for zeros < len(s) && s[zeros] == xrplAlphabet[0] {
		zeros++
	}
	return append(make([]byte, zeros), n.Bytes()...), nil
}

// EncodeAccountID renders a 20-byte account ID as a classic address.
func EncodeAccountID(accountID [accountIDLen]byte) string {
	payload := append([]byte{accountAddressPrefix}, accountID[:]...)
	return encodeBase58(append(payload, checksum(payload)...))
}

// DecodeClassicAddress returns the account ID behind a classic address,
// verifying the type prefix and checksum.
func DecodeClassicAddress(address string) ([accountIDLen]byte, error) {
	var accountID [accountIDLen]byte

	raw, err := decodeBase58(address)
	if err != nil {
		return accountID, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 1+accountIDLen+checksumLen || raw[0] != accountAddressPrefix {
		return accountID, ErrInvalidAddress
	}

	payload, sum := raw[:1+accountIDLen], raw[1+accountIDLen:]
	if !bytes.Equal(sum, checksum(payload)) {
		return accountID, ErrInvalidChecksum
	}

	copy(accountID[:], payload[1:])
	return accountID, nil
}

// IsValidClassicAddress reports whether address decodes with a correct
// prefix and checksum. It says nothing about the account existing on ledger.
func IsValidClassicAddress(address string) bool {
	_, err := DecodeClassicAddress(address)
	return err == nil
}

// AccountIDFromPublicKey derives the account ID for a serialized public key:
// RIPEMD-160 over SHA-256, as rippled does.
func AccountIDFromPublicKey(publicKey []byte) [accountIDLen]byte {
	var accountID [accountIDLen]byte
	inner := sha256.Sum256(publicKey)
	h := ripemd160.New()
	h.Write(inner[:])
	copy(accountID[:], h.Sum(nil))
	return accountID
}
