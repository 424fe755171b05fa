package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/chain"
	"github.com/vietddude/oracle/internal/metrics"
)

var (
	// ErrNonceConflict is returned when the node rejects the nonce of a
	// submission. The caller should refresh its nonce from the chain.
	ErrNonceConflict = errors.New("nonce conflict")

	// ErrInsufficientFunds is returned when the account cannot pay for gas.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Backend is the subset of ethclient.Client used by the adapter.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config holds the router and signing configuration.
type Config struct {
	RPCURL        string
	RouterAddress string
	PrivateKey    string
	ChainID       int64

	// GasLimit of 0 estimates per submission.
	GasLimit    uint64
	CallTimeout time.Duration
}

// EVMAdapter implements chain.Adapter against an EVM router contract.
type EVMAdapter struct {
	backend Backend
	router  common.Address
	abi     abi.ABI
	eventID common.Hash

	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer

	gasLimit    uint64
	callTimeout time.Duration
	log         *slog.Logger
}

var _ chain.Adapter = (*EVMAdapter)(nil)

// Dial connects to the RPC endpoint and builds the adapter.
func Dial(ctx context.Context, cfg Config) (*EVMAdapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}

	if cfg.ChainID == 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to fetch chain id: %w", err)
		}
		cfg.ChainID = id.Int64()
	}

	a, err := NewEVMAdapter(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return a, nil
}

// NewEVMAdapter builds an adapter on an existing backend.
func NewEVMAdapter(backend Backend, cfg Config) (*EVMAdapter, error) {
	if !common.IsHexAddress(cfg.RouterAddress) {
		return nil, domain.ConfigurationError(fmt.Errorf("invalid router address %q", cfg.RouterAddress))
	}
	if cfg.ChainID == 0 {
		return nil, domain.ConfigurationError(fmt.Errorf("chain id is required"))
	}

	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse router abi: %w", err)
	}

	a := &EVMAdapter{
		backend:     backend,
		router:      common.HexToAddress(cfg.RouterAddress),
		abi:         parsed,
		eventID:     parsed.Events[eventOracleRequest].ID,
		chainID:     big.NewInt(cfg.ChainID),
		gasLimit:    cfg.GasLimit,
		callTimeout: cfg.CallTimeout,
		log:         slog.Default().With("component", "evm"),
	}
	a.signer = types.NewEIP155Signer(a.chainID)
	if a.callTimeout <= 0 {
		a.callTimeout = 10 * time.Second
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, domain.ConfigurationError(fmt.Errorf("invalid private key: %w", err))
		}
		a.key = key
		a.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return a, nil
}

func (a *EVMAdapter) Account() string {
	return a.from.Hex()
}

func (a *EVMAdapter) CurrentHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	start := time.Now()
	h, err := a.backend.BlockNumber(ctx)
	observe("eth_blockNumber", start, err)
	if err != nil {
		return 0, wrapRPC("eth_blockNumber", err)
	}
	metrics.ChainHead.Set(float64(h))
	return h, nil
}

func (a *EVMAdapter) RequestLogs(
	ctx context.Context,
	from, to uint64,
) ([]*domain.RequestEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{a.router},
		Topics:    [][]common.Hash{{a.eventID}},
	}

	start := time.Now()
	logs, err := a.backend.FilterLogs(ctx, q)
	observe("eth_getLogs", start, err)
	if err != nil {
		return nil, wrapRPC("eth_getLogs", err)
	}

	events := make([]*domain.RequestEvent, 0, len(logs))
	for i := range logs {
		lg := &logs[i]
		if lg.Removed {
			continue
		}
		ev, err := a.decodeRequest(lg)
		if err != nil {
			// A malformed log can never decode; skipping it keeps the range moving.
			a.log.Warn("Skipping undecodable request log",
				"tx", lg.TxHash.Hex(), "index", lg.Index, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *EVMAdapter) decodeRequest(lg *types.Log) (*domain.RequestEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != a.eventID {
		return nil, fmt.Errorf("unexpected topics for %s", eventOracleRequest)
	}

	values, err := a.abi.Unpack(eventOracleRequest, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", eventOracleRequest, err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("expected 3 values, got %d", len(values))
	}

	endpoint, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("endpoint has type %T", values[0])
	}
	fee, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("fee has type %T", values[1])
	}
	deadline, ok := values[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("deadline has type %T", values[2])
	}

	return &domain.RequestEvent{
		RequestID: lg.Topics[1].Hex(),
		TxHash:    lg.TxHash.Hex(),
		Height:    lg.BlockNumber,
		LogIndex:  lg.Index,
		Endpoint:  endpoint,
		Consumer:  common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Fee:       fee.String(),
		Deadline:  clampUint64(deadline),
	}, nil
}

func (a *EVMAdapter) SubmitFulfillment(ctx context.Context, ftx *domain.FulfillmentTx) (string, error) {
	if a.key == nil {
		return "", domain.ConfigurationError(fmt.Errorf("no private key configured"))
	}
	if !common.IsHexAddress(ftx.Consumer) {
		return "", domain.Permanent(fmt.Errorf("invalid consumer address %q", ftx.Consumer))
	}

	requestID, err := parseRequestID(ftx.RequestID)
	if err != nil {
		return "", domain.Permanent(err)
	}

	data, err := a.abi.Pack(methodFulfillRequest, requestID, ftx.Price, common.HexToAddress(ftx.Consumer))
	if err != nil {
		return "", domain.Permanent(fmt.Errorf("failed to pack %s: %w", methodFulfillRequest, err))
	}

	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	gas := a.gasLimit
	if gas == 0 {
		start := time.Now()
		est, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:     a.from,
			To:       &a.router,
			GasPrice: ftx.GasPrice,
			Data:     data,
		})
		observe("eth_estimateGas", start, err)
		if err != nil {
			return "", wrapRPC("eth_estimateGas", err)
		}
		gas = est + est/5
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    ftx.Nonce,
		To:       &a.router,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: ftx.GasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, a.signer, a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	start := time.Now()
	err = a.backend.SendTransaction(ctx, signed)
	observe("eth_sendRawTransaction", start, err)
	if err != nil && !isAlreadyKnown(err) {
		return "", wrapSend(err)
	}

	hash := signed.Hash().Hex()
	a.log.Info("Fulfillment submitted",
		"request_id", ftx.RequestID,
		"tx", hash,
		"nonce", ftx.Nonce,
		"gas_price", ftx.GasPrice.String(),
	)
	return hash, nil
}

func (a *EVMAdapter) Receipt(ctx context.Context, txHash string) (*domain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)

	start := time.Now()
	r, err := a.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		observe("eth_getTransactionReceipt", start, nil)
		return nil, nil
	}
	observe("eth_getTransactionReceipt", start, err)
	if err != nil {
		return nil, wrapRPC("eth_getTransactionReceipt", err)
	}

	receipt := &domain.Receipt{
		TxHash:  txHash,
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		receipt.BlockHeight = r.BlockNumber.Uint64()
	}
	if !receipt.Success {
		receipt.RevertReason = a.revertReason(ctx, hash, r.BlockNumber)
	}
	return receipt, nil
}

// revertReason replays a reverted transaction at its block to recover the
// revert string. Failures degrade to a generic reason.
func (a *EVMAdapter) revertReason(ctx context.Context, hash common.Hash, block *big.Int) string {
	const fallback = "execution reverted"

	tx, _, err := a.backend.TransactionByHash(ctx, hash)
	if err != nil {
		a.log.Debug("Revert replay: transaction lookup failed", "tx", hash.Hex(), "error", err)
		return fallback
	}

	msg := ethereum.CallMsg{
		From:     a.from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	_, err = a.backend.CallContract(ctx, msg, block)
	if err == nil {
		return fallback
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

func (a *EVMAdapter) PendingNonce(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	start := time.Now()
	n, err := a.backend.PendingNonceAt(ctx, a.from)
	observe("eth_getTransactionCount", start, err)
	if err != nil {
		return 0, wrapRPC("eth_getTransactionCount", err)
	}
	return n, nil
}

func (a *EVMAdapter) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	start := time.Now()
	p, err := a.backend.SuggestGasPrice(ctx)
	observe("eth_gasPrice", start, err)
	if err != nil {
		return nil, wrapRPC("eth_gasPrice", err)
	}
	return p, nil
}

func parseRequestID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hexutil.Decode(s)
	if err != nil {
		return id, fmt.Errorf("invalid request id %q: %w", s, err)
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("request id %q is %d bytes, want 32", s, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func clampUint64(v *big.Int) uint64 {
	if v.Sign() <= 0 {
		return 0
	}
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

func observe(method string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ExternalCallsTotal.WithLabelValues("chain", method, result).Inc()
	metrics.ExternalCallLatency.WithLabelValues("chain", method).Observe(time.Since(start).Seconds())
}

// wrapRPC marks node and network failures transient.
func wrapRPC(method string, err error) error {
	return domain.Transient(fmt.Errorf("%s failed: %w", method, err))
}

func wrapSend(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"):
		return domain.Transient(fmt.Errorf("%w: %v", ErrNonceConflict, err))
	case strings.Contains(msg, "insufficient funds"):
		return domain.Transient(fmt.Errorf("%w: %v", ErrInsufficientFunds, err))
	}
	return wrapRPC("eth_sendRawTransaction", err)
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
