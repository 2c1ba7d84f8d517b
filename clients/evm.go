package clients

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vitwit/stablepay/chains"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
)

// EVMNode is the slice of *ethclient.Client the wallet signs against.
type EVMNode interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

var _ EVMNode = (*ethclient.Client)(nil)

var _ chains.EVMProvider = (*EVMWallet)(nil)

// EVMWallet answers EIP-1193 requests by signing locally with one key and
// forwarding to the node of the active network.
type EVMWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	opts    options

	mu       sync.Mutex
	nodes    map[int64]EVMNode
	active   int64
	handlers map[string]map[int]func(json.RawMessage)
	nextID   int
}

func NewEVMWallet(hexKey string, opts ...Option) (*EVMWallet, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid evm private key: %w", err)
	}
	return &EVMWallet{
		key:      key,
		address:  utils.AddressFromPrivateKey(key),
		opts:     newOptions(opts),
		nodes:    make(map[int64]EVMNode),
		handlers: make(map[string]map[int]func(json.RawMessage)),
	}, nil
}

// Address is the account the wallet signs for.
func (w *EVMWallet) Address() common.Address {
	return w.address
}

// Dial connects to rpcURL and registers it as a network. The first network
// registered becomes the active one.
func (w *EVMWallet) Dial(ctx context.Context, rpcURL string) error {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("ethereum rpc dial: %w", err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("read chain id from %s: %w", rpcURL, err)
	}
	w.UseNode(id.Int64(), client)
	return nil
}

// AddNetwork registers rpcURL for a known chain id without contacting it.
func (w *EVMWallet) AddNetwork(ctx context.Context, chainID int64, rpcURL string) error {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("ethereum rpc dial: %w", err)
	}
	w.UseNode(chainID, client)
	return nil
}

// UseNode registers node as the network with the given chain id.
func (w *EVMWallet) UseNode(chainID int64, node EVMNode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nodes[chainID] = node
	if w.active == 0 {
		w.active = chainID
	}
}

// On registers an event handler. Only chainChanged is ever emitted.
func (w *EVMWallet) On(event string, handler func(payload json.RawMessage)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handlers[event] == nil {
		w.handlers[event] = make(map[int]func(json.RawMessage))
	}
	id := w.nextID
	w.nextID++
	w.handlers[event][id] = handler
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.handlers[event], id)
	}
}

func (w *EVMWallet) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	switch method {
	case "eth_requestAccounts", "eth_accounts":
		return json.Marshal([]string{w.address.Hex()})
	case "eth_chainId":
		w.mu.Lock()
		active := w.active
		w.mu.Unlock()
		if active == 0 {
			return nil, &types.ProviderError{Code: types.ProviderDisconnected, Message: "no network configured"}
		}
		return json.Marshal(hexutil.EncodeUint64(uint64(active)))
	case "wallet_switchEthereumChain":
		return w.switchChain(params)
	case "wallet_addEthereumChain":
		return w.addChain(ctx, params)
	case "eth_call":
		return w.call(ctx, params)
	case "eth_sendTransaction":
		return w.sendTransaction(ctx, params)
	case "eth_getTransactionReceipt":
		return w.receipt(ctx, params)
	default:
		return nil, unsupported(method)
	}
}

type txParams struct {
	From  *common.Address `json:"from,omitempty"`
	To    *common.Address `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Value *hexutil.Big    `json:"value,omitempty"`
}

type chainParams struct {
	ChainID string   `json:"chainId"`
	RPCURLs []string `json:"rpcUrls"`
}

// decodeParam re-decodes the first positional parameter into out.
func decodeParam(params []interface{}, out interface{}) error {
	if len(params) == 0 {
		return &types.ProviderError{Code: -32602, Message: "missing params"}
	}
	raw, err := json.Marshal(params[0])
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &types.ProviderError{Code: -32602, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

func (w *EVMWallet) node() (EVMNode, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	node, ok := w.nodes[w.active]
	if !ok {
		return nil, 0, &types.ProviderError{Code: types.ProviderDisconnected, Message: "no network configured"}
	}
	return node, w.active, nil
}

func (w *EVMWallet) switchChain(params []interface{}) (json.RawMessage, error) {
	var p chainParams
	if err := decodeParam(params, &p); err != nil {
		return nil, err
	}
	id, err := hexutil.DecodeUint64(strings.ToLower(p.ChainID))
	if err != nil {
		return nil, &types.ProviderError{Code: -32602, Message: fmt.Sprintf("invalid chainId %q", p.ChainID)}
	}

	w.mu.Lock()
	if _, ok := w.nodes[int64(id)]; !ok {
		w.mu.Unlock()
		return nil, &types.ProviderError{Code: types.ProviderUnrecognizedChain, Message: fmt.Sprintf("Unrecognized chain ID %q", p.ChainID)}
	}
	changed := w.active != int64(id)
	w.active = int64(id)
	w.mu.Unlock()

	if changed {
		w.opts.logger.Info("evm wallet switched network", map[string]any{"chain_id": id})
		w.emit(chains.EventChainChanged, hexutil.EncodeUint64(id))
	}
	return json.RawMessage("null"), nil
}

func (w *EVMWallet) addChain(ctx context.Context, params []interface{}) (json.RawMessage, error) {
	var p chainParams
	if err := decodeParam(params, &p); err != nil {
		return nil, err
	}
	if len(p.RPCURLs) == 0 {
		return nil, &types.ProviderError{Code: -32602, Message: "rpcUrls is required"}
	}
	if err := w.Dial(ctx, p.RPCURLs[0]); err != nil {
		return nil, err
	}
	return w.switchChain(params)
}

func (w *EVMWallet) emit(event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(w.handlers[event]))
	for _, h := range w.handlers[event] {
		handlers = append(handlers, h)
	}
	w.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (w *EVMWallet) call(ctx context.Context, params []interface{}) (json.RawMessage, error) {
	var p txParams
	if err := decodeParam(params, &p); err != nil {
		return nil, err
	}
	node, _, err := w.node()
	if err != nil {
		return nil, err
	}
	if err := w.opts.wait(ctx); err != nil {
		return nil, err
	}

	out, err := node.CallContract(ctx, ethereum.CallMsg{From: w.address, To: p.To, Data: p.Data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call: %w", err)
	}
	return json.Marshal(hexutil.Bytes(out))
}

func (w *EVMWallet) sendTransaction(ctx context.Context, params []interface{}) (json.RawMessage, error) {
	var p txParams
	if err := decodeParam(params, &p); err != nil {
		return nil, err
	}
	if p.From != nil && *p.From != w.address {
		return nil, &types.ProviderError{Code: types.ProviderUnauthorized, Message: fmt.Sprintf("account %s is not managed by this wallet", p.From.Hex())}
	}
	if p.To == nil {
		return nil, &types.ProviderError{Code: -32602, Message: "contract creation is not supported"}
	}
	node, chainID, err := w.node()
	if err != nil {
		return nil, err
	}

	value := big.NewInt(0)
	if p.Value != nil {
		value = p.Value.ToInt()
	}

	if err := w.opts.wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := node.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := node.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	gasLimit, err := node.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: p.To, Value: value, Data: p.Data})
	if err != nil {
		return nil, fmt.Errorf("gas estimation failed: %w", err)
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       p.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     p.Data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(big.NewInt(chainID)), w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := node.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	w.opts.logger.Info("evm transaction sent", map[string]any{
		"chain_id": chainID,
		"tx_hash":  signed.Hash().Hex(),
		"to":       p.To.Hex(),
		"nonce":    nonce,
	})
	return json.Marshal(signed.Hash().Hex())
}

func (w *EVMWallet) receipt(ctx context.Context, params []interface{}) (json.RawMessage, error) {
	var hash string
	if err := decodeParam(params, &hash); err != nil {
		return nil, err
	}
	node, _, err := w.node()
	if err != nil {
		return nil, err
	}
	if err := w.opts.wait(ctx); err != nil {
		return nil, err
	}

	r, err := node.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return json.RawMessage("null"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt: %w", err)
	}
	return json.Marshal(r)
}
