package chains

import (
	"context"
	"encoding/json"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Provider event names emitted by EVM wallets.
const (
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
)

// EVMProvider is an EIP-1193 style wallet: JSON-RPC requests plus events.
type EVMProvider interface {
	Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
	// On registers handler for event and returns a function removing it.
	On(event string, handler func(payload json.RawMessage)) func()
}

// TronContractCall is a TRC20/contract invocation in TronGrid terms.
type TronContractCall struct {
	Contract string
	// Owner defaults to the provider's default address when empty.
	Owner     string
	Selector  string
	Parameter []byte
	FeeLimit  int64
	CallValue int64
}

// TronLog is a raw event log from a transaction info response.
type TronLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// TronTransactionInfo is the subset of gettransactioninfobyid used here.
// An unknown transaction is returned as the zero value.
type TronTransactionInfo struct {
	ID          string `json:"id"`
	BlockNumber int64  `json:"blockNumber"`
	Result      string `json:"result,omitempty"`
	ResMessage  string `json:"resMessage,omitempty"`
	Receipt     struct {
		Result string `json:"result,omitempty"`
	} `json:"receipt"`
	ContractResult []string  `json:"contractResult,omitempty"`
	Log            []TronLog `json:"log,omitempty"`
}

// Found reports whether the node returned anything for the transaction.
func (i *TronTransactionInfo) Found() bool {
	return i != nil && i.ID != ""
}

// Failed reports a reverted or failed execution.
func (i *TronTransactionInfo) Failed() bool {
	if i == nil {
		return false
	}
	return i.Result == "FAILED" || i.Receipt.Result == "REVERT" || i.Receipt.Result == "FAILED"
}

// TronEvent is a decoded contract event as served by the TronGrid events API.
type TronEvent struct {
	EventName string            `json:"event_name"`
	Contract  string            `json:"contract_address"`
	Result    map[string]string `json:"result"`
}

// TronProvider is a TronLink style wallet.
type TronProvider interface {
	Ready() bool
	DefaultAddress() string
	// RequestAccounts asks for authorization; 200 means approved.
	RequestAccounts(ctx context.Context) (int, error)
	TriggerContract(ctx context.Context, call TronContractCall) (string, error)
	CallConstant(ctx context.Context, call TronContractCall) ([]byte, error)
	TransactionInfo(ctx context.Context, txID string) (*TronTransactionInfo, error)
	TransactionEvents(ctx context.Context, txID string) ([]TronEvent, error)
}

// SolanaProvider is a Phantom style wallet.
type SolanaProvider interface {
	Connect(ctx context.Context) (solana.PublicKey, error)
	// PublicKey is the zero key when not connected.
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// SolanaRPC is the slice of *rpc.Client used to send and confirm transfers.
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var _ SolanaRPC = (*rpc.Client)(nil)
