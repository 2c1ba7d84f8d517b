package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vitwit/stablepay/types"
)

var (
	hexPattern    = regexp.MustCompile("^[0-9a-fA-F]+$")
	base58Pattern = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")
)

// ValidateAmount checks if an amount string is a valid decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ValidatePositiveAmount is ValidateAmount that also rejects zero.
func ValidatePositiveAmount(amount string) (*decimal.Decimal, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}
	if !dec.IsPositive() {
		return nil, fmt.Errorf("amount must be greater than zero")
	}
	return dec, nil
}

// ValidateTransactionHash validates transaction hashes per chain family
func ValidateTransactionHash(hash string, family types.ChainFamily) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}

	switch family {
	case types.FamilyEVM:
		// 0x + 64 hex
		if !strings.HasPrefix(hash, "0x") {
			return fmt.Errorf("EVM transaction hash must start with 0x")
		}
		if len(hash) != 66 {
			return fmt.Errorf("EVM transaction hash must be 66 characters long")
		}
		if !isHexString(hash[2:]) {
			return fmt.Errorf("EVM transaction hash must be valid hex")
		}

	case types.FamilyTron:
		// Tron txids are bare 64 hex characters
		if len(hash) != 64 || !isHexString(hash) {
			return fmt.Errorf("Tron transaction id must be 64 hex characters")
		}

	case types.FamilySolana:
		if len(hash) < 80 || len(hash) > 90 {
			return fmt.Errorf("Solana transaction signature has invalid length")
		}
		if !isBase58String(hash) {
			return fmt.Errorf("Solana transaction signature must be valid base58")
		}

	default:
		return fmt.Errorf("unsupported chain family for transaction hash validation: %s", family)
	}

	return nil
}

// ValidateAddressForFamily validates addresses for different chain families
func ValidateAddressForFamily(address string, family types.ChainFamily) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch family {
	case types.FamilyEVM:
		if !strings.HasPrefix(address, "0x") {
			return fmt.Errorf("EVM address must start with 0x")
		}
		if len(address) != 42 {
			return fmt.Errorf("EVM address must be 42 characters long")
		}
		if !isHexString(address[2:]) {
			return fmt.Errorf("EVM address must be valid hex")
		}

	case types.FamilyTron:
		if _, err := TronAddressToBytes(address); err != nil {
			return err
		}

	case types.FamilySolana:
		// base58, typically 32-44 characters
		if len(address) < 32 || len(address) > 44 {
			return fmt.Errorf("Solana address has invalid length")
		}
		if !isBase58String(address) {
			return fmt.Errorf("Solana address must be valid base58")
		}

	default:
		return fmt.Errorf("unsupported chain family for address validation: %s", family)
	}

	return nil
}

// ToSmallestUnit scales a decimal amount by 10^decimals, flooring the remainder.
func ToSmallestUnit(amount decimal.Decimal, decimals int) *big.Int {
	return amount.Shift(int32(decimals)).Floor().BigInt()
}

// FromSmallestUnit is the inverse of ToSmallestUnit.
func FromSmallestUnit(units *big.Int, decimals int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -int32(decimals))
}

// Round2 rounds half away from zero to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func isHexString(s string) bool {
	return hexPattern.MatchString(s)
}

func isBase58String(s string) bool {
	return base58Pattern.MatchString(s)
}
