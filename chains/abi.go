package chains

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const escrowABIJSON = `[
  {"type":"function","name":"createEscrow","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"paymentId","type":"bytes32"},{"name":"category","type":"string"}],"outputs":[{"name":"escrowId","type":"uint256"}]},
  {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"escrowId","type":"uint256"}],"outputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"createdAt","type":"uint256"},{"name":"timeoutAt","type":"uint256"},{"name":"paymentId","type":"bytes32"},{"name":"status","type":"uint8"},{"name":"category","type":"string"}]},
  {"type":"function","name":"getUserEscrows","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[{"name":"escrowId","type":"uint256","indexed":true},{"name":"user","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"paymentId","type":"bytes32","indexed":false},{"name":"category","type":"string","indexed":false}]}
]`

// Tron function selectors for the same methods.
const (
	tronSelectorTransfer     = "transfer(address,uint256)"
	tronSelectorApprove      = "approve(address,uint256)"
	tronSelectorAllowance    = "allowance(address,address)"
	tronSelectorCreateEscrow = "createEscrow(address,uint256,bytes32,string)"
)

var (
	erc20ABI  = mustParseABI(erc20ABIJSON)
	escrowABI = mustParseABI(escrowABIJSON)

	// EscrowCreatedTopic is topic[0] of every EscrowCreated log.
	EscrowCreatedTopic = escrowABI.Events["EscrowCreated"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid contract abi: %v", err))
	}
	return parsed
}

// EncodeTransfer builds ERC20 transfer(to, amount) calldata.
func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// EncodeApprove builds ERC20 approve(spender, amount) calldata.
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// EncodeAllowance builds ERC20 allowance(owner, spender) calldata.
func EncodeAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

// EncodeCreateEscrow builds createEscrow(token, amount, paymentId, category) calldata.
func EncodeCreateEscrow(token common.Address, amount *big.Int, reference [32]byte, category string) ([]byte, error) {
	return escrowABI.Pack("createEscrow", token, amount, reference, category)
}

func decodeUint256(data []byte) (*big.Int, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("short uint256 result: %d bytes", len(data))
	}
	return new(big.Int).SetBytes(data[:32]), nil
}

// stripSelector drops the 4-byte method id, leaving the ABI-encoded arguments
// in the form Tron's triggersmartcontract expects.
func stripSelector(data []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return data[4:], nil
}

type escrowView struct {
	User      common.Address
	Token     common.Address
	Amount    *big.Int
	CreatedAt *big.Int
	TimeoutAt *big.Int
	PaymentId [32]byte
	Status    uint8
	Category  string
}
