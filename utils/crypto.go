package utils

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// TronAddressPrefix is the version byte of mainnet and Nile addresses.
const TronAddressPrefix = 0x41

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	// Remove 0x prefix if present
	hexKey = strings.TrimPrefix(hexKey, "0x")

	return crypto.HexToECDSA(hexKey)
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// EncodeBytes32String packs the UTF-8 bytes of s into a bytes32,
// zero-padding on the right and truncating past 32 bytes.
func EncodeBytes32String(s string) [32]byte {
	var out [32]byte
	copy(out[:], s)
	return out
}

// DecodeBytes32String reverses EncodeBytes32String.
func DecodeBytes32String(b [32]byte) string {
	return string(bytes.TrimRight(b[:], "\x00"))
}

// TronAddressToBytes decodes a base58check Tron address into its 21-byte form.
func TronAddressToBytes(address string) ([]byte, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("invalid Tron address %q: %w", address, err)
	}
	if len(raw) != 25 {
		return nil, fmt.Errorf("invalid Tron address %q: decoded length %d", address, len(raw))
	}

	payload, checksum := raw[:21], raw[21:]
	if !bytes.Equal(checksum, tronChecksum(payload)) {
		return nil, fmt.Errorf("invalid Tron address %q: checksum mismatch", address)
	}
	if payload[0] != TronAddressPrefix {
		return nil, fmt.Errorf("invalid Tron address %q: unexpected prefix 0x%x", address, payload[0])
	}

	return payload, nil
}

// TronAddressFromBytes encodes a 21-byte Tron address as base58check.
func TronAddressFromBytes(payload []byte) string {
	buf := make([]byte, 0, 25)
	buf = append(buf, payload...)
	buf = append(buf, tronChecksum(payload)...)
	return base58.Encode(buf)
}

// TronToEVMAddress drops the version byte of a Tron address.
func TronToEVMAddress(address string) (common.Address, error) {
	payload, err := TronAddressToBytes(address)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(payload[1:]), nil
}

// TronAddressFromEVM prefixes a 20-byte address with the Tron version byte.
func TronAddressFromEVM(addr common.Address) string {
	payload := append([]byte{TronAddressPrefix}, addr.Bytes()...)
	return TronAddressFromBytes(payload)
}

// TronHexAddress returns the 41-prefixed hex form used by the TronGrid HTTP API.
func TronHexAddress(address string) (string, error) {
	payload, err := TronAddressToBytes(address)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(payload), nil
}

// TronAddressFromPrivateKey derives the base58 Tron address of a secp256k1 key.
func TronAddressFromPrivateKey(privateKey *ecdsa.PrivateKey) string {
	return TronAddressFromEVM(AddressFromPrivateKey(privateKey))
}

func tronChecksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}
