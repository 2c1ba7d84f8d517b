package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/stablepay/chains"
	"github.com/vitwit/stablepay/types"
	"github.com/vitwit/stablepay/utils"
)

// TronGridNile is the public TronGrid endpoint for the Nile testnet.
const TronGridNile = "https://nile.trongrid.io"

const maxTronResponse = 1 << 20

var _ chains.TronProvider = (*TronWallet)(nil)

// TronWallet builds transactions through the TronGrid HTTP API and signs
// them locally, standing in for TronLink.
type TronWallet struct {
	baseURL string
	apiKey  string
	key     *ecdsa.PrivateKey
	address string
	opts    options
}

func NewTronWallet(baseURL, apiKey, hexKey string, opts ...Option) (*TronWallet, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid tron private key: %w", err)
	}
	if baseURL == "" {
		baseURL = TronGridNile
	}
	return &TronWallet{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		key:     key,
		address: utils.TronAddressFromPrivateKey(key),
		opts:    newOptions(opts),
	}, nil
}

func (w *TronWallet) Ready() bool { return true }

func (w *TronWallet) DefaultAddress() string { return w.address }

// RequestAccounts always approves; the key is already loaded.
func (w *TronWallet) RequestAccounts(context.Context) (int, error) { return 200, nil }

type triggerRequest struct {
	OwnerAddress     string `json:"owner_address"`
	ContractAddress  string `json:"contract_address"`
	FunctionSelector string `json:"function_selector"`
	Parameter        string `json:"parameter"`
	FeeLimit         int64  `json:"fee_limit,omitempty"`
	CallValue        int64  `json:"call_value,omitempty"`
}

type tronResult struct {
	Result  bool   `json:"result"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// err decodes the hex encoded node message, if any.
func (r tronResult) err(op string) error {
	if r.Result {
		return nil
	}
	msg := r.Message
	if decoded, err := hex.DecodeString(msg); err == nil && len(decoded) > 0 {
		msg = string(decoded)
	}
	if msg == "" {
		msg = r.Code
	}
	return fmt.Errorf("%s: %s", op, msg)
}

type triggerResponse struct {
	Result         tronResult                 `json:"result"`
	ConstantResult []string                   `json:"constant_result"`
	Transaction    map[string]json.RawMessage `json:"transaction"`
}

func (w *TronWallet) buildTrigger(call chains.TronContractCall) (triggerRequest, error) {
	owner := call.Owner
	if owner == "" {
		owner = w.address
	}
	ownerHex, err := utils.TronHexAddress(owner)
	if err != nil {
		return triggerRequest{}, err
	}
	contractHex, err := utils.TronHexAddress(call.Contract)
	if err != nil {
		return triggerRequest{}, err
	}
	return triggerRequest{
		OwnerAddress:     ownerHex,
		ContractAddress:  contractHex,
		FunctionSelector: call.Selector,
		Parameter:        hex.EncodeToString(call.Parameter),
		FeeLimit:         call.FeeLimit,
		CallValue:        call.CallValue,
	}, nil
}

// TriggerContract creates, signs and broadcasts a contract call, returning
// the transaction id.
func (w *TronWallet) TriggerContract(ctx context.Context, call chains.TronContractCall) (string, error) {
	req, err := w.buildTrigger(call)
	if err != nil {
		return "", err
	}

	var built triggerResponse
	if err := w.post(ctx, "/wallet/triggersmartcontract", req, &built); err != nil {
		return "", err
	}
	if err := built.Result.err("trigger " + call.Selector); err != nil {
		return "", err
	}

	tx, txID, err := w.sign(built.Transaction)
	if err != nil {
		return "", err
	}

	var out struct {
		tronResult
		TxID string `json:"txid"`
	}
	if err := w.post(ctx, "/wallet/broadcasttransaction", tx, &out); err != nil {
		return "", err
	}
	if err := out.tronResult.err("broadcast " + call.Selector); err != nil {
		return "", err
	}

	w.opts.logger.Info("tron transaction broadcast", map[string]any{
		"tx_id":    txID,
		"selector": call.Selector,
		"contract": call.Contract,
	})
	return txID, nil
}

// sign appends a secp256k1 signature over txID to the transaction.
func (w *TronWallet) sign(tx map[string]json.RawMessage) (map[string]json.RawMessage, string, error) {
	var txID string
	if err := json.Unmarshal(tx["txID"], &txID); err != nil || txID == "" {
		return nil, "", fmt.Errorf("node returned a transaction without txID")
	}
	digest, err := hex.DecodeString(txID)
	if err != nil || len(digest) != 32 {
		return nil, "", fmt.Errorf("malformed txID %q", txID)
	}

	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	sig[64] += 27

	raw, err := json.Marshal([]string{hex.EncodeToString(sig)})
	if err != nil {
		return nil, "", err
	}
	tx["signature"] = raw
	return tx, txID, nil
}

func (w *TronWallet) CallConstant(ctx context.Context, call chains.TronContractCall) ([]byte, error) {
	req, err := w.buildTrigger(call)
	if err != nil {
		return nil, err
	}
	var out triggerResponse
	if err := w.post(ctx, "/wallet/triggerconstantcontract", req, &out); err != nil {
		return nil, err
	}
	if err := out.Result.err("call " + call.Selector); err != nil {
		return nil, err
	}
	if len(out.ConstantResult) == 0 {
		return nil, fmt.Errorf("call %s: empty result", call.Selector)
	}
	return hex.DecodeString(out.ConstantResult[0])
}

// TransactionInfo returns the zero value while the transaction is unknown.
func (w *TronWallet) TransactionInfo(ctx context.Context, txID string) (*chains.TronTransactionInfo, error) {
	var info chains.TronTransactionInfo
	if err := w.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txID}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (w *TronWallet) TransactionEvents(ctx context.Context, txID string) ([]chains.TronEvent, error) {
	var out struct {
		Data    []chains.TronEvent `json:"data"`
		Success bool               `json:"success"`
		Error   string             `json:"error,omitempty"`
	}
	if err := utils.ValidateTransactionHash(txID, types.FamilyTron); err != nil {
		return nil, err
	}
	if err := w.do(ctx, http.MethodGet, "/v1/transactions/"+txID+"/events", nil, &out); err != nil {
		return nil, err
	}
	if !out.Success && out.Error != "" {
		return nil, fmt.Errorf("transaction events: %s", out.Error)
	}
	return out.Data, nil
}

func (w *TronWallet) post(ctx context.Context, path string, body, out interface{}) error {
	return w.do(ctx, http.MethodPost, path, body, out)
}

func (w *TronWallet) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := w.opts.wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", w.apiKey)
	}

	resp, err := w.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tron node %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTronResponse))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("tron node %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
