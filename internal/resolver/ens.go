package resolver

import (
	"context"
	"fmt"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/time/rate"
)

const registryJSON = `[{"type":"function","name":"resolver","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}]`

const publicResolverJSON = `[{"type":"function","name":"addr","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}]`

var (
	registryABI       = mustABI(registryJSON)
	publicResolverABI = mustABI(publicResolverJSON)
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Namehash 按 EIP-137 计算名称的节点哈希。
func Namehash(name string) common.Hash {
	var node common.Hash
	name = Normalize(name)
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		node = crypto.Keccak256Hash(node.Bytes(), labelHash)
	}
	return node
}

// ENS 通过注册表查得解析器合约，再读取 addr(node)。
type ENS struct {
	caller   gethcore.ContractCaller
	registry common.Address
	limiter  *rate.Limiter
}

// ENSOption 调整 ENS 解析器。
type ENSOption func(*ENS)

// WithRateLimit 限制每秒发往节点的查询数。
func WithRateLimit(perSecond float64, burst int) ENSOption {
	return func(e *ENS) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewENS 构造解析器，registry 通常为 0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e。
func NewENS(caller gethcore.ContractCaller, registry common.Address, opts ...ENSOption) *ENS {
	e := &ENS{caller: caller, registry: registry}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Resolve implements Resolver.
func (e *ENS) Resolve(ctx context.Context, name string) (common.Address, error) {
	if !LooksLikeName(name) {
		return common.Address{}, fmt.Errorf("%q is not a resolvable name", name)
	}
	node := Namehash(name)

	resolverAddr, err := e.callAddress(ctx, e.registry, registryABI, "resolver", node)
	if err != nil {
		return common.Address{}, fmt.Errorf("query resolver for %s: %w", name, err)
	}
	if resolverAddr == (common.Address{}) {
		return common.Address{}, ErrNotFound
	}
	addr, err := e.callAddress(ctx, resolverAddr, publicResolverABI, "addr", node)
	if err != nil {
		return common.Address{}, fmt.Errorf("query addr for %s: %w", name, err)
	}
	if addr == (common.Address{}) {
		return common.Address{}, ErrNotFound
	}
	return addr, nil
}

func (e *ENS) callAddress(ctx context.Context, to common.Address, contract abi.ABI, method string, node common.Hash) (common.Address, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return common.Address{}, err
		}
	}
	data, err := contract.Pack(method, node)
	if err != nil {
		return common.Address{}, err
	}
	out, err := e.caller.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) == 0 {
		return common.Address{}, nil
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected %s return type %T", method, values[0])
	}
	return addr, nil
}
