package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "DefiFlow/internal/errors"
	"DefiFlow/internal/graph"
	"DefiFlow/internal/quote"
	"DefiFlow/internal/resolver"
	"DefiFlow/internal/web3"
	"DefiFlow/internal/web3/contracts"
	"DefiFlow/pkg/logger"
)

// MaxRecipients 为单次发薪允许的收款人上限。
const MaxRecipients = 5

// Settings 为步骤使用的链上合约地址与参数。
type Settings struct {
	SwapChain            string
	SwapExecutor         common.Address
	SwapTokenOut         common.Address
	SwapTokenOutDecimals uint8
	SwapPoolFee          uint32

	PayrollChain         string
	PayrollContract      common.Address
	PayrollToken         common.Address
	PayrollTokenDecimals uint8

	MaxRecipients int
}

func (s Settings) maxRecipients() int {
	if s.MaxRecipients <= 0 || s.MaxRecipients > MaxRecipients {
		return MaxRecipients
	}
	return s.MaxRecipients
}

// NewDefault 注册四种可执行节点的默认实现。
func NewDefault(wallet web3.Wallet, r resolver.Resolver, settings Settings, opts ...Option) *Pipeline {
	base := []Option{
		WithStep(graph.KindBridge, &BridgeStep{Wallet: wallet}),
		WithStep(graph.KindAction, &ActionStep{Wallet: wallet, Settings: settings}),
		WithStep(graph.KindResolver, &ResolverStep{Resolver: r}),
		WithStep(graph.KindTransfer, &TransferStep{Wallet: wallet, Settings: settings}),
	}
	return New(append(base, opts...)...)
}

// BridgeStep 在源链上调用跨链合约。
type BridgeStep struct {
	Wallet web3.Wallet
}

// Execute implements Step.
func (s *BridgeStep) Execute(ctx context.Context, node graph.Node, in Input) (*StepResult, error) {
	cfg, ok := node.Config.(*graph.BridgeConfig)
	if !ok {
		return nil, configError("%s has no bridge configuration", node.ID)
	}
	if !common.IsHexAddress(cfg.ContractTarget) {
		return nil, configError("%s: contractTarget is not an address", node.ID)
	}
	data, err := hexutil.Decode(cfg.ContractData)
	if err != nil {
		return nil, configError("%s: contractData is not hex encoded", node.ID)
	}
	receipt, err := s.Wallet.SignAndSend(ctx, web3.TxRequest{
		Chain: cfg.FromChain,
		To:    common.HexToAddress(cfg.ContractTarget),
		Data:  data,
	})
	if err != nil {
		return nil, err
	}
	res := &StepResult{Chain: receipt.Chain, TxHash: receipt.TxHash.Hex()}
	if prev := in.Latest(graph.KindAction, graph.KindBridge); prev != nil {
		res.Amount = prev.Amount
	}
	return res, nil
}

// ActionStep 通过兑换合约卖出输入数量的原生币，并将买入代币转给收款人。
type ActionStep struct {
	Wallet   web3.Wallet
	Settings Settings
}

// Execute implements Step.
func (s *ActionStep) Execute(ctx context.Context, node graph.Node, in Input) (*StepResult, error) {
	cfg, ok := node.Config.(*graph.ActionConfig)
	if !ok {
		return nil, configError("%s has no swap configuration", node.ID)
	}
	if _, ok := cfg.Input.Float(); !ok {
		return nil, configError("%s: input %q is not a number", node.ID, cfg.Input)
	}
	if s.Settings.SwapExecutor == (common.Address{}) {
		return nil, configError("swap executor contract is not configured")
	}
	value, err := contracts.ParseUnits(string(cfg.Input), 18)
	if err != nil || value.Sign() <= 0 {
		return nil, configError("%s: input %q must be a positive amount", node.ID, cfg.Input)
	}

	recipient := in.Env.Session
	if cfg.Recipient != "" {
		recipient = common.HexToAddress(cfg.Recipient)
	}
	if recipient == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeRunWalletMissing, "")
	}

	data, err := contracts.PackSwapAndTransfer(s.Settings.SwapTokenOut, s.Settings.SwapPoolFee, recipient, big.NewInt(0))
	if err != nil {
		return nil, err
	}
	receipt, err := s.Wallet.SignAndSend(ctx, web3.TxRequest{
		Chain: s.Settings.SwapChain,
		To:    s.Settings.SwapExecutor,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return nil, err
	}

	amount := quote.Quote(cfg.Input, in.Env.Price)
	if received := contracts.ReceivedBy(receipt.Logs, s.Settings.SwapTokenOut, recipient); received.Sign() > 0 {
		amount = contracts.FormatUnits(received, s.Settings.SwapTokenOutDecimals, 2)
	}
	return &StepResult{
		Chain:  receipt.Chain,
		TxHash: receipt.TxHash.Hex(),
		Amount: amount,
		Payees: []Payee{{Address: recipient, Amount: graph.Number(amount)}},
	}, nil
}

// ResolverStep 校验或解析每一行收款人，不发送交易。
type ResolverStep struct {
	Resolver resolver.Resolver
}

// Execute implements Step.
func (s *ResolverStep) Execute(ctx context.Context, node graph.Node, _ Input) (*StepResult, error) {
	cfg, ok := node.Config.(*graph.ResolverConfig)
	if !ok {
		return nil, configError("%s has no recipient list", node.ID)
	}
	log := logger.Named("resolver")
	rows := make([]graph.Recipient, len(cfg.Recipients))
	var payees []Payee
	for i, row := range cfg.Recipients {
		input := strings.TrimSpace(row.Input)
		if input == "" {
			input = strings.TrimSpace(row.Address)
		}
		addr, ok, err := resolver.ResolveInput(ctx, s.Resolver, input)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		row.Status = graph.RecipientInvalid
		row.Address = ""
		if _, amountOK := row.Amount.Float(); ok && !amountOK {
			ok = false
			log.Warn("收款金额无效", "node_id", node.ID, "input", input, "amount", string(row.Amount))
		}
		if ok {
			row.Status = graph.RecipientValid
			row.Address = addr.Hex()
			payees = append(payees, Payee{Address: addr, Amount: row.Amount})
		} else if err != nil {
			log.Info("收款人解析失败", "node_id", node.ID, "input", input, "error", err)
		}
		rows[i] = row
	}
	if len(payees) == 0 {
		log.Warn("没有可用的收款人", "node_id", node.ID, "rows", len(rows))
	}
	return &StepResult{Recipients: rows, Payees: payees}, nil
}

// TransferStep 通过发薪合约批量转出代币，额度不足时先授权。
type TransferStep struct {
	Wallet   web3.Wallet
	Settings Settings
}

// Execute implements Step.
func (s *TransferStep) Execute(ctx context.Context, node graph.Node, in Input) (*StepResult, error) {
	cfg, ok := node.Config.(*graph.TransferConfig)
	if !ok {
		return nil, configError("%s has no payroll configuration", node.ID)
	}
	if s.Settings.PayrollContract == (common.Address{}) {
		return nil, configError("payroll contract is not configured")
	}
	token := s.Settings.PayrollToken
	if cfg.Token != "" {
		token = common.HexToAddress(cfg.Token)
	}
	if token == (common.Address{}) {
		return nil, configError("%s: payroll token is not configured", node.ID)
	}
	if in.Env.Session == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeRunWalletMissing, "")
	}

	payees, err := s.payees(node, in, logger.Named("pipeline"))
	if err != nil {
		return nil, err
	}
	recipients := make([]common.Address, len(payees))
	amounts := make([]*big.Int, len(payees))
	total := new(big.Int)
	for i, p := range payees {
		v, err := contracts.ParseUnits(string(p.Amount), s.Settings.PayrollTokenDecimals)
		if err != nil || v.Sign() <= 0 {
			return nil, configError("%s: amount %q for %s is not payable", node.ID, p.Amount, p.Address.Hex())
		}
		recipients[i], amounts[i] = p.Address, v
		total.Add(total, v)
	}
	data, err := contracts.PackDistributeSalary(token, recipients, amounts, cfg.Memo)
	if err != nil {
		return nil, configError("%s: %v", node.ID, err)
	}

	res := &StepResult{Chain: s.Settings.PayrollChain, Payees: payees, Amount: contracts.FormatUnits(total, s.Settings.PayrollTokenDecimals, 2)}

	allowanceData, err := contracts.PackAllowance(in.Env.Session, s.Settings.PayrollContract)
	if err != nil {
		return nil, err
	}
	out, err := s.Wallet.Call(ctx, web3.TxRequest{Chain: s.Settings.PayrollChain, To: token, Data: allowanceData})
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	allowance, err := contracts.UnpackAllowance(out)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(total) < 0 {
		approveData, err := contracts.PackApprove(s.Settings.PayrollContract, total)
		if err != nil {
			return nil, err
		}
		receipt, err := s.Wallet.SignAndSend(ctx, web3.TxRequest{Chain: s.Settings.PayrollChain, To: token, Data: approveData})
		if err != nil {
			return nil, err
		}
		res.ApprovalHash = receipt.TxHash.Hex()
	}

	receipt, err := s.Wallet.SignAndSend(ctx, web3.TxRequest{Chain: s.Settings.PayrollChain, To: s.Settings.PayrollContract, Data: data})
	if err != nil {
		return res, err
	}
	res.Chain = receipt.Chain
	res.TxHash = receipt.TxHash.Hex()
	return res, nil
}

// payees 优先取最近的 RESOLVER 结果，其次把兑换所得支付给会话地址。
func (s *TransferStep) payees(node graph.Node, in Input, log *slog.Logger) ([]Payee, error) {
	var payees []Payee
	if prev := in.Latest(graph.KindResolver); prev != nil {
		if len(prev.Payees) == 0 {
			return nil, configError("%s: no recipient in %s could be resolved", labelOf(node), labelOf(graph.Node{ID: prev.NodeID, Label: prev.Label}))
		}
		payees = prev.Payees
	} else if prev := in.Latest(graph.KindAction, graph.KindBridge); prev != nil && prev.Amount != "" {
		payees = []Payee{{Address: in.Env.Session, Amount: graph.Number(prev.Amount)}}
	}
	if len(payees) == 0 {
		return nil, configError("%s needs a resolver or swap step before it", labelOf(node))
	}
	if limit := s.Settings.maxRecipients(); len(payees) > limit {
		log.Warn("收款人数量超过上限，仅支付前几位", "node_id", node.ID, "count", len(payees), "max", limit)
		payees = payees[:limit]
	}
	out := make([]Payee, len(payees))
	copy(out, payees)
	return out, nil
}

func labelOf(n graph.Node) string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}
