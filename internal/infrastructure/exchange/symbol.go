package exchange

import (
	"strings"
)

// CommonSymbolConverter 通用符号转换器
type CommonSymbolConverter struct {
	suffix string
}

// NewCommonSymbolConverter 创建通用符号转换器
func NewCommonSymbolConverter(suffix string) *CommonSymbolConverter {
	return &CommonSymbolConverter{suffix: strings.ToUpper(strings.TrimSpace(suffix))}
}

// Coin2Symbol 将币种转换为交易对
// 例: BTC -> BTCUSDT, BTCUSDT -> BTCUSDT
func (c *CommonSymbolConverter) Coin2Symbol(coin string) string {
	coin = strings.ToUpper(strings.TrimSpace(coin))
	if coin == "" {
		return ""
	}

	// 如果已经包含后缀，直接返回
	if strings.HasSuffix(coin, c.suffix) {
		return coin
	}
	// 否则添加后缀
	return coin + c.suffix
}
