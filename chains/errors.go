package chains

import (
	"errors"
	"strings"

	"github.com/vitwit/stablepay/types"
)

// IsUserRejected reports whether err means the user declined a wallet prompt.
func IsUserRejected(err error) bool {
	if err == nil {
		return false
	}

	var pe *types.ProviderError
	if errors.As(err, &pe) && pe.Code == types.ProviderUserRejected {
		return true
	}
	if types.IsCode(err, types.ErrUserRejected) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "rejected")
}

// Classify maps any failure onto the user-facing taxonomy: rejection and
// insufficient balance get fixed messages, everything else keeps its text.
func Classify(err error) *types.PaymentError {
	if err == nil {
		return nil
	}

	if IsUserRejected(err) {
		return types.WrapError(types.ErrUserRejected, types.MsgUserRejected, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "insufficient") {
		return types.WrapError(types.ErrInsufficientBalance, types.MsgInsufficientBalance, err)
	}

	var pe *types.PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	return types.WrapError(types.ErrTransactionFailed, err.Error(), err)
}
