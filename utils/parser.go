package utils

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/stablepay/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	validate.RegisterValidation("amount", validateAmountTag)
	validate.RegisterValidation("chain", validateChainTag)
}

// ValidateStruct runs struct-tag validation and wraps failures as INVALID_REQUEST.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return &types.PaymentError{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("validation failed: %v", err),
			Err:     err,
		}
	}
	return nil
}

func validateAmountTag(fl validator.FieldLevel) bool {
	_, err := ValidatePositiveAmount(fl.Field().String())
	return err == nil
}

func validateChainTag(fl validator.FieldLevel) bool {
	switch types.ChainKey(fl.Field().String()) {
	case types.ChainEthereum, types.ChainBase, types.ChainArbitrum, types.ChainTron, types.ChainSolana:
		return true
	}
	return false
}
