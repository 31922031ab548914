/**
 * @description
 * This package submits policy activation transactions to the policy registry contract
 * and waits for their confirmation. One Activate call makes exactly one submission and
 * waits for its receipt under the caller's deadline.
 *
 * @notes
 * - Every failure mode (submission error including revert at estimation, failed receipt,
 *   missing PolicyCreated event, timeout) is reported as *domain.ChainError.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: RPC client, ABI binding and transaction signing.
 */
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
)

const registryABI = `[
  {"type":"function","name":"createPolicy","stateMutability":"nonpayable",
   "inputs":[
     {"name":"policyNumber","type":"string"},
     {"name":"owner","type":"address"},
     {"name":"premium","type":"uint256"},
     {"name":"coverage","type":"uint8"},
     {"name":"vehicleRef","type":"string"},
     {"name":"durationDays","type":"uint32"}],
   "outputs":[{"name":"policyId","type":"uint256"}]},
  {"type":"event","name":"PolicyCreated","anonymous":false,
   "inputs":[
     {"name":"policyId","type":"uint256","indexed":true},
     {"name":"policyNumber","type":"string","indexed":false},
     {"name":"owner","type":"address","indexed":true}]}
]`

const (
	methodCreatePolicy = "createPolicy"
	eventPolicyCreated = "PolicyCreated"
	opActivate         = "activate"
)

// ActivationRequest describes the policy to anchor on-chain.
type ActivationRequest struct {
	PolicyNumber string
	Owner        string
	PremiumMinor int64
	CoverageCode uint8
	VehicleRef   string
	DurationDays uint32
}

// Activation is the confirmed result of an activation transaction.
type Activation struct {
	OnChainID string
	TxHash    string
}

// Config carries the RPC endpoint, contract and signer.
type Config struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	SignerKeyHex    string
}

type transactor interface {
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

type receiptWaiter func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

// Client submits activation transactions.
type Client struct {
	contract transactor
	wait     receiptWaiter
	opts     bind.TransactOpts
	address  common.Address
	event    abi.Event
	closer   func()
	logger   *zap.Logger

	// submissions are serialized so nonces are assigned in order
	mu sync.Mutex
}

// Dial connects to the RPC endpoint and binds the registry contract.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		rpc.Close()
		return nil, err
	}

	address := common.HexToAddress(cfg.ContractAddress)
	contract := bind.NewBoundContract(address, parsed, rpc, rpc, rpc)
	waiter := func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return bind.WaitMined(ctx, rpc, tx)
	}

	c, err := newClient(contract, waiter, opts, address, logger)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.closer = rpc.Close
	c.logger.Info("chain client ready", zap.String("contract", address.Hex()), zap.String("signer", signerAddress(key).Hex()))
	return c, nil
}

func newClient(contract transactor, wait receiptWaiter, opts *bind.TransactOpts, address common.Address, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, err
	}
	return &Client{
		contract: contract,
		wait:     wait,
		opts:     *opts,
		address:  address,
		event:    parsed.Events[eventPolicyCreated],
		logger:   logger.Named("chain_client"),
	}, nil
}

func signerAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// Activate submits createPolicy once and waits for its receipt until ctx is done.
func (c *Client) Activate(ctx context.Context, req ActivationRequest) (*Activation, error) {
	if !common.IsHexAddress(req.Owner) {
		return nil, &domain.ChainError{Op: opActivate, Reason: "invalid owner address"}
	}
	if req.PremiumMinor <= 0 {
		return nil, &domain.ChainError{Op: opActivate, Reason: "premium must be positive"}
	}

	opts := c.opts
	opts.Context = ctx

	c.mu.Lock()
	tx, err := c.contract.Transact(&opts, methodCreatePolicy,
		req.PolicyNumber,
		common.HexToAddress(req.Owner),
		big.NewInt(req.PremiumMinor),
		req.CoverageCode,
		req.VehicleRef,
		req.DurationDays,
	)
	c.mu.Unlock()
	if err != nil {
		return nil, &domain.ChainError{Op: opActivate, Reason: "submission failed", Err: err}
	}

	c.logger.Info("activation submitted", zap.String("policy_number", req.PolicyNumber), zap.String("tx_hash", tx.Hash().Hex()))

	receipt, err := c.wait(ctx, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, &domain.ChainError{Op: opActivate, Reason: "confirmation timeout", Err: err}
		}
		return nil, &domain.ChainError{Op: opActivate, Reason: "receipt unavailable", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &domain.ChainError{Op: opActivate, Reason: "transaction reverted"}
	}

	policyID, ok := c.policyIDFromReceipt(receipt)
	if !ok {
		return nil, &domain.ChainError{Op: opActivate, Reason: "PolicyCreated event missing"}
	}

	return &Activation{OnChainID: policyID, TxHash: tx.Hash().Hex()}, nil
}

func (c *Client) policyIDFromReceipt(receipt *types.Receipt) (string, bool) {
	for _, l := range receipt.Logs {
		if l == nil || l.Address != c.address || len(l.Topics) < 2 {
			continue
		}
		if l.Topics[0] != c.event.ID {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()).String(), true
	}
	return "", false
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Disabled is used when no chain is configured. It fails every activation closed.
type Disabled struct{}

func (Disabled) Activate(context.Context, ActivationRequest) (*Activation, error) {
	return nil, &domain.ChainError{Op: opActivate, Reason: "chain client not configured"}
}
