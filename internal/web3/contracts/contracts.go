// Package contracts encodes calls to the swap executor, the batch payroll
// contract and ERC-20 tokens, and decodes the token Transfer events found in
// their receipts.
package contracts

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const swapExecutorJSON = `[
  {"type":"function","name":"executeSwapAndTransfer","stateMutability":"payable",
   "inputs":[{"name":"tokenOut","type":"address"},{"name":"poolFee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"amountOutMinimum","type":"uint256"}],
   "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

const payrollJSON = `[
  {"type":"function","name":"distributeSalary","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"},{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"memo","type":"string"}],
   "outputs":[]},
  {"type":"event","name":"SalaryDistributed","anonymous":false,"inputs":[{"name":"memo","type":"string","indexed":false}]}
]`

const erc20JSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	SwapExecutorABI = mustParse(swapExecutorJSON)
	PayrollABI      = mustParse(payrollJSON)
	ERC20ABI        = mustParse(erc20JSON)

	// TransferTopic 为 ERC-20 Transfer 事件签名。
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	// SalaryDistributedTopic 为发薪合约事件签名。
	SalaryDistributedTopic = crypto.Keccak256Hash([]byte("SalaryDistributed(string)"))
)

// ErrMismatchedArrays 与合约的 "Mismatched arrays" 回滚对应，发送前即拒绝。
var ErrMismatchedArrays = errors.New("Mismatched arrays")

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// PackSwapAndTransfer 编码 executeSwapAndTransfer(tokenOut, poolFee, recipient, amountOutMinimum)。
func PackSwapAndTransfer(tokenOut common.Address, poolFee uint32, recipient common.Address, minOut *big.Int) ([]byte, error) {
	if poolFee >= 1<<24 {
		return nil, fmt.Errorf("pool fee %d overflows uint24", poolFee)
	}
	if minOut == nil {
		minOut = big.NewInt(0)
	}
	return SwapExecutorABI.Pack("executeSwapAndTransfer", tokenOut, big.NewInt(int64(poolFee)), recipient, minOut)
}

// PackDistributeSalary 编码 distributeSalary(token, recipients, amounts, memo)。
func PackDistributeSalary(token common.Address, recipients []common.Address, amounts []*big.Int, memo string) ([]byte, error) {
	if len(recipients) != len(amounts) {
		return nil, ErrMismatchedArrays
	}
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}
	return PayrollABI.Pack("distributeSalary", token, recipients, amounts, memo)
}

// PackApprove 编码 ERC-20 approve(spender, amount)。
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("approve", spender, amount)
}

// PackAllowance 编码 ERC-20 allowance(owner, spender)。
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return ERC20ABI.Pack("allowance", owner, spender)
}

// UnpackAllowance 解码 allowance 的返回值。
func UnpackAllowance(data []byte) (*big.Int, error) {
	out, err := ERC20ABI.Unpack("allowance", data)
	if err != nil {
		return nil, fmt.Errorf("decode allowance: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("decode allowance: expected 1 value, got %d", len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode allowance: unexpected type %T", out[0])
	}
	return v, nil
}

// Transfer 为解码后的 ERC-20 转账事件。
type Transfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// ParseTransfers 提取 token 合约发出的 Transfer 事件，token 为零地址时不过滤。
func ParseTransfers(logs []*types.Log, token common.Address) []Transfer {
	var out []Transfer
	for _, l := range logs {
		if l == nil || len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
			continue
		}
		if token != (common.Address{}) && l.Address != token {
			continue
		}
		out = append(out, Transfer{
			Token: l.Address,
			From:  common.BytesToAddress(l.Topics[1].Bytes()),
			To:    common.BytesToAddress(l.Topics[2].Bytes()),
			Value: new(big.Int).SetBytes(l.Data),
		})
	}
	return out
}

// ReceivedBy 汇总 logs 中 token 转入 recipient 的数量。
func ReceivedBy(logs []*types.Log, token, recipient common.Address) *big.Int {
	total := new(big.Int)
	for _, tr := range ParseTransfers(logs, token) {
		if tr.To == recipient {
			total.Add(total, tr.Value)
		}
	}
	return total
}
