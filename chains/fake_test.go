package chains

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/vitwit/stablepay/types"
)

func instantPoller(attempts int) Poller {
	return Poller{
		Interval: time.Millisecond,
		Attempts: attempts,
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
}

type rpcHandler func(params []interface{}) (interface{}, error)

// fakeEVM is a scripted EIP-1193 provider recording every call.
type fakeEVM struct {
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    []string
	params   map[string][]interface{}
	subs     map[string][]func(json.RawMessage)
}

func newFakeEVM() *fakeEVM {
	return &fakeEVM{
		handlers: map[string]rpcHandler{},
		params:   map[string][]interface{}{},
		subs:     map[string][]func(json.RawMessage){},
	}
}

func (f *fakeEVM) handle(method string, h rpcHandler) *fakeEVM {
	f.handlers[method] = h
	return f
}

func (f *fakeEVM) result(method string, v interface{}) *fakeEVM {
	return f.handle(method, func([]interface{}) (interface{}, error) { return v, nil })
}

func (f *fakeEVM) Request(_ context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.params[method] = params
	h, ok := f.handlers[method]
	f.mu.Unlock()

	if !ok {
		return nil, &types.ProviderError{Code: types.ProviderUnsupported, Message: fmt.Sprintf("unsupported method %s", method)}
	}
	v, err := h(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (f *fakeEVM) On(event string, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[event] = append(f.subs[event], handler)
	idx := len(f.subs[event]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[event][idx] = nil
	}
}

func (f *fakeEVM) emit(event string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	f.mu.Lock()
	subs := append([]func(json.RawMessage){}, f.subs[event]...)
	f.mu.Unlock()
	for _, s := range subs {
		if s != nil {
			s(raw)
		}
	}
}

func (f *fakeEVM) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEVM) count(method string) int {
	n := 0
	for _, c := range f.called() {
		if c == method {
			n++
		}
	}
	return n
}

func uint256Word(v int64) hexutil.Bytes {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func receiptJSON(status uint64, logs ...map[string]interface{}) map[string]interface{} {
	if logs == nil {
		logs = []map[string]interface{}{}
	}
	return map[string]interface{}{
		"transactionHash": common.HexToHash("0xabc"),
		"status":          hexutil.Uint64(status),
		"logs":            logs,
	}
}

func escrowCreatedLog(escrow common.Address, id int64) map[string]interface{} {
	return map[string]interface{}{
		"address": escrow,
		"topics": []common.Hash{
			EscrowCreatedTopic,
			common.BigToHash(big.NewInt(id)),
			common.BytesToHash(common.HexToAddress("0x1111111111111111111111111111111111111111").Bytes()),
			common.BytesToHash(common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()),
		},
		"data": hexutil.Bytes{},
	}
}

// fakeTron is a scripted TronLink provider.
type fakeTron struct {
	mu        sync.Mutex
	ready     bool
	address   string
	allowance int64
	infos     map[string][]*TronTransactionInfo
	events    map[string][]TronEvent
	triggered []TronContractCall
	nextID    int
	infoCalls int
}

func newFakeTron(address string) *fakeTron {
	return &fakeTron{
		ready:   true,
		address: address,
		infos:   map[string][]*TronTransactionInfo{},
		events:  map[string][]TronEvent{},
	}
}

func (f *fakeTron) Ready() bool            { return f.ready }
func (f *fakeTron) DefaultAddress() string { return f.address }

func (f *fakeTron) RequestAccounts(context.Context) (int, error) {
	return 200, nil
}

func (f *fakeTron) TriggerContract(_ context.Context, call TronContractCall) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, call)
	f.nextID++
	return fmt.Sprintf("tx%d", f.nextID), nil
}

func (f *fakeTron) CallConstant(context.Context, TronContractCall) ([]byte, error) {
	return uint256Word(f.allowance), nil
}

// TransactionInfo pops the next scripted response for txID, repeating the
// last one; unknown transactions return the empty info.
func (f *fakeTron) TransactionInfo(_ context.Context, txID string) (*TronTransactionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	queue := f.infos[txID]
	if len(queue) == 0 {
		return &TronTransactionInfo{}, nil
	}
	info := queue[0]
	if len(queue) > 1 {
		f.infos[txID] = queue[1:]
	}
	return info, nil
}

func (f *fakeTron) TransactionEvents(_ context.Context, txID string) ([]TronEvent, error) {
	return f.events[txID], nil
}

func (f *fakeTron) selectors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.triggered))
	for _, c := range f.triggered {
		out = append(out, c.Selector)
	}
	return out
}

func hexBytes(b []byte) hexutil.Bytes {
	return b
}
