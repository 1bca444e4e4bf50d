// Package resolver turns human readable names such as "vitalik.eth" into
// account addresses. Address-shaped inputs never reach a lookup backend.
package resolver

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"

	xerrors "DefiFlow/internal/errors"
)

// ErrNotFound 表示名称没有关联地址。
var ErrNotFound = errors.New("name not found")

// Resolver 将名称解析为地址。
type Resolver interface {
	Resolve(ctx context.Context, name string) (common.Address, error)
}

// Func 将普通函数适配为 Resolver。
type Func func(ctx context.Context, name string) (common.Address, error)

// Resolve implements Resolver.
func (f Func) Resolve(ctx context.Context, name string) (common.Address, error) {
	return f(ctx, name)
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsAddress 判断输入是否为 0x 开头的 40 位十六进制地址。
func IsAddress(s string) bool {
	return addressPattern.MatchString(strings.TrimSpace(s))
}

// LooksLikeName 判断输入是否形如可解析的点分名称。0x 开头的输入一律不是名称。
func LooksLikeName(s string) bool {
	n := Normalize(s)
	if n == "" || strings.HasPrefix(n, "0x") || !strings.Contains(n, ".") {
		return false
	}
	for _, label := range strings.Split(n, ".") {
		if label == "" || strings.ContainsAny(label, " \t/\\") {
			return false
		}
	}
	return true
}

// Normalize 去除首尾空白、转为小写并做 NFC 规范化。
func Normalize(name string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(name)))
}

// Chain 依次尝试多个解析器，返回第一个成功的结果。
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, name string) (common.Address, error) {
	var lastErr error = ErrNotFound
	for _, r := range c {
		if r == nil {
			continue
		}
		addr, err := r.Resolve(ctx, name)
		if err == nil {
			return addr, nil
		}
		lastErr = err
	}
	return common.Address{}, lastErr
}

// Static 为固定的名称表，键在查找前规范化。
type Static map[string]common.Address

// NewStatic 从字符串表构造，非法地址被忽略。
func NewStatic(entries map[string]string) Static {
	out := make(Static, len(entries))
	for name, addr := range entries {
		if IsAddress(addr) {
			out[Normalize(name)] = common.HexToAddress(addr)
		}
	}
	return out
}

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, name string) (common.Address, error) {
	if addr, ok := s[Normalize(name)]; ok {
		return addr, nil
	}
	return common.Address{}, ErrNotFound
}

// ResolveInput 将一条收款人输入转换为地址。
// 地址形态的输入直接校验，名称形态的输入查询一次 r，其余输入及查询失败均返回 false。
// 查询失败的错误码为 RESOLVE_FAILED。
func ResolveInput(ctx context.Context, r Resolver, input string) (common.Address, bool, error) {
	input = strings.TrimSpace(input)
	if IsAddress(input) {
		return common.HexToAddress(input), true, nil
	}
	if r == nil || !LooksLikeName(input) {
		return common.Address{}, false, nil
	}
	addr, err := r.Resolve(ctx, input)
	if err == nil && addr == (common.Address{}) {
		err = ErrNotFound
	}
	if err != nil {
		return common.Address{}, false, xerrors.Wrap(xerrors.CodeResolveFailed, err, "resolve "+input,
			xerrors.WithMetadata("name", input))
	}
	return addr, true, nil
}
