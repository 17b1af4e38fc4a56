package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"AgentFi-Chain/internal/ledger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// settlementABI is the minimal surface of the marketplace settlement
// contract: KYC reads, payment record reads, split payments and the
// execution receipt write-back.
const settlementABI = `[
  {"inputs":[{"name":"user","type":"address"}],"name":"kycVerified","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"account","type":"address"}],"name":"creditBalanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"paymentId","type":"uint256"}],"name":"getPaymentRecord","outputs":[{"name":"originator","type":"address"},{"name":"jurisdiction","type":"string"},{"name":"kycTier","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"status","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"name":"payer","type":"address"},{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"name":"splitPay","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"paymentId","type":"uint256"},{"name":"attestationRef","type":"string"},{"name":"executionHash","type":"string"}],"name":"recordExecutionReceipt","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// creditDecimals 是结算合约中信用额度的小数位数，链上金额为信用值 ×100。
const creditDecimals = 100

// Config describes how to reach the settlement contract.
type Config struct {
	Name          string
	RPCURL        string
	ContractAddr  string
	ChainID       int64
	PrivateKeyHex string
	Notes         string
}

// Client implements ledger.PaymentLedger and ledger.ComplianceLedger on top
// of an EVM settlement contract.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	contract  *bind.BoundContract
	chainID   *big.Int
	auth      *bind.TransactOpts
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and binds the settlement
// contract. A private key is only required for write paths (splitPay,
// recordExecutionReceipt); read-only deployments may omit it.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置结算链 RPC 地址")
	}
	contractAddr := strings.TrimSpace(cfg.ContractAddr)
	if contractAddr == "" {
		return nil, errors.New("未配置结算合约地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接结算链节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析结算合约 ABI 失败: %w", err)
	}
	contract := bind.NewBoundContract(common.HexToAddress(contractAddr), parsed, eth, eth, eth)

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		contract:  contract,
		chainID:   big.NewInt(cfg.ChainID),
	}

	if keyHex := strings.TrimSpace(cfg.PrivateKeyHex); keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("解析结算私钥失败: %w", err)
		}
		auth, err := bind.NewKeyedTransactorWithChainID(key, client.chainID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("创建交易签名器失败: %w", err)
		}
		client.auth = auth
	}

	return client, nil
}

// Close releases the network connection held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Balance 实现 ledger.PaymentLedger，读取账户的链上信用余额。
func (c *Client) Balance(ctx context.Context, account string) (float64, error) {
	if c == nil || c.contract == nil {
		return 0, errors.New("未初始化的结算客户端")
	}
	var out []any
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "creditBalanceOf", common.HexToAddress(account))
	if err != nil {
		return 0, fmt.Errorf("查询信用余额失败: %w", err)
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return 0, errors.New("信用余额返回类型异常")
	}
	return float64(raw.Int64()) / creditDecimals, nil
}

// Pay 实现 ledger.PaymentLedger，通过 splitPay 一笔交易完成分账。
// 合约保证原子性：任一分账失败则整笔交易回滚。
func (c *Client) Pay(ctx context.Context, req ledger.PaymentRequest) (*ledger.PaymentReceipt, error) {
	if c == nil || c.contract == nil {
		return nil, errors.New("未初始化的结算客户端")
	}
	if c.auth == nil {
		return nil, errors.New("结算客户端未配置签名私钥")
	}
	if req.Amount <= 0 {
		return nil, errors.New("转账金额必须大于零")
	}

	// 固定遍历顺序，保证金额拆分结果可复现。
	accounts := make([]string, 0, len(req.Splits))
	for account := range req.Splits {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	recipients := make([]common.Address, 0, len(accounts))
	amounts := make([]*big.Int, 0, len(accounts))
	splits := make(map[string]float64, len(accounts))
	for _, account := range accounts {
		share := req.Amount * req.Splits[account]
		splits[account] = share
		recipients = append(recipients, common.HexToAddress(account))
		amounts = append(amounts, big.NewInt(int64(share*creditDecimals)))
	}

	c.mu.Lock()
	auth := *c.auth
	c.mu.Unlock()
	auth.Context = ctx

	tx, err := c.contract.Transact(&auth, "splitPay", common.HexToAddress(req.From), recipients, amounts)
	if err != nil {
		return nil, fmt.Errorf("提交分账交易失败: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return nil, fmt.Errorf("等待分账交易确认失败: %w", err)
	}
	if receipt.Status == 0 {
		return nil, fmt.Errorf("分账交易被回滚: %s", tx.Hash().Hex())
	}

	return &ledger.PaymentReceipt{
		ID:     tx.Hash().Hex(),
		From:   req.From,
		Amount: req.Amount,
		Splits: splits,
		TxID:   tx.Hash().Hex(),
	}, nil
}

// IsKycVerified 实现 ledger.ComplianceLedger。
func (c *Client) IsKycVerified(ctx context.Context, wallet string) (bool, error) {
	if c == nil || c.contract == nil {
		return false, errors.New("未初始化的结算客户端")
	}
	var out []any
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "kycVerified", common.HexToAddress(wallet))
	if err != nil {
		return false, fmt.Errorf("查询 KYC 状态失败: %w", err)
	}
	verified, ok := out[0].(bool)
	if !ok {
		return false, errors.New("KYC 状态返回类型异常")
	}
	return verified, nil
}

// GetPayment 实现 ledger.ComplianceLedger。支付记录不存在时合约返回零值
// originator，此处转换为 nil。
func (c *Client) GetPayment(ctx context.Context, paymentID uint64) (*ledger.PaymentRecord, error) {
	if c == nil || c.contract == nil {
		return nil, errors.New("未初始化的结算客户端")
	}
	var out []any
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getPaymentRecord", new(big.Int).SetUint64(paymentID))
	if err != nil {
		return nil, fmt.Errorf("查询支付记录失败: %w", err)
	}
	if len(out) != 5 {
		return nil, errors.New("支付记录返回值数量异常")
	}

	originator, _ := out[0].(common.Address)
	if originator == (common.Address{}) {
		return nil, nil
	}
	jurisdiction, _ := out[1].(string)
	kycTier, _ := out[2].(*big.Int)
	amount, _ := out[3].(*big.Int)
	status, _ := out[4].(uint8)

	record := &ledger.PaymentRecord{
		ID:           paymentID,
		Payer:        originator.Hex(),
		Jurisdiction: jurisdiction,
		Status:       ledger.StatusFromIndex(status),
	}
	if kycTier != nil {
		record.KycTier = kycTier.Uint64()
	}
	if amount != nil {
		wei := new(big.Float).SetInt(amount)
		eth := new(big.Float).Quo(wei, big.NewFloat(1e18))
		record.Amount, _ = eth.Float64()
	}
	return record, nil
}

// RecordReceipt 实现 ledger.ComplianceLedger，把执行回执写回结算链。
func (c *Client) RecordReceipt(ctx context.Context, paymentID uint64, attestationRef, resultHash string) (string, error) {
	if c == nil || c.contract == nil {
		return "", errors.New("未初始化的结算客户端")
	}
	if c.auth == nil {
		return "", errors.New("结算客户端未配置签名私钥")
	}

	c.mu.Lock()
	auth := *c.auth
	c.mu.Unlock()
	auth.Context = ctx

	tx, err := c.contract.Transact(&auth, "recordExecutionReceipt",
		new(big.Int).SetUint64(paymentID), attestationRef, resultHash)
	if err != nil {
		return "", fmt.Errorf("提交执行回执失败: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return "", fmt.Errorf("等待回执交易确认失败: %w", err)
	}
	if receipt.Status == 0 {
		return "", fmt.Errorf("回执交易被回滚: %s", tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

var (
	_ ledger.PaymentLedger    = (*Client)(nil)
	_ ledger.ComplianceLedger = (*Client)(nil)
)
