package contracts

import (
	"fmt"
	"math/big"
	"strings"
)

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// ParseUnits 将十进制金额转换为最小单位，超出精度的部分截断。
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", amount)
	}
	r.Mul(r, new(big.Rat).SetInt(pow10(decimals)))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// FormatUnits 将最小单位转换为保留 prec 位小数的十进制字符串。
func FormatUnits(v *big.Int, decimals uint8, prec int) string {
	if v == nil {
		v = new(big.Int)
	}
	return new(big.Rat).SetFrac(v, pow10(decimals)).FloatString(prec)
}
