package risk

import (
	"fmt"
	"strings"
)

// Correlation groups. Symbols in a group tend to move together, so positions
// are capped per group rather than only globally.
const (
	groupMajors   = "majors"
	groupL1       = "l1"
	groupL2       = "l2"
	groupDeFi     = "defi"
	groupMeme     = "meme"
	groupExchange = "exchange"
	groupOther    = "other"
)

var baseGroups = map[string]string{
	"BTC": groupMajors, "ETH": groupMajors,
	"SOL": groupL1, "ADA": groupL1, "AVAX": groupL1, "DOT": groupL1,
	"NEAR": groupL1, "APT": groupL1, "SUI": groupL1, "TON": groupL1,
	"ARB": groupL2, "OP": groupL2, "MATIC": groupL2, "STRK": groupL2,
	"UNI": groupDeFi, "AAVE": groupDeFi, "LINK": groupDeFi, "MKR": groupDeFi,
	"CRV": groupDeFi, "LDO": groupDeFi,
	"DOGE": groupMeme, "SHIB": groupMeme, "PEPE": groupMeme, "WIF": groupMeme,
	"BNB": groupExchange, "OKB": groupExchange, "CRO": groupExchange,
}

// maxPerGroup caps concurrent positions per group.
var maxPerGroup = map[string]int{
	groupMajors:   2,
	groupL1:       3,
	groupL2:       3,
	groupDeFi:     3,
	groupMeme:     3,
	groupExchange: 3,
	groupOther:    3,
}

// symbolGroup maps a canonical symbol to its correlation group.
func symbolGroup(symbol string) string {
	base := symbol
	if i := strings.Index(base, "/"); i >= 0 {
		base = base[:i]
	}
	if g, ok := baseGroups[strings.ToUpper(base)]; ok {
		return g
	}
	return groupOther
}

// checkCorrelation rejects duplicates and group-cap violations. nonMajorCap
// overrides the built-in cap for every group except majors; zero keeps the
// defaults.
func checkCorrelation(symbol string, openSymbols []string, nonMajorCap int) error {
	group := symbolGroup(symbol)
	limit := maxPerGroup[group]
	if group != groupMajors && nonMajorCap > 0 {
		limit = nonMajorCap
	}
	count := 0
	for _, open := range openSymbols {
		if open == symbol {
			return fmt.Errorf("duplicate_symbol")
		}
		if symbolGroup(open) == group {
			count++
		}
	}
	if count >= limit {
		return fmt.Errorf("correlation_group_%s_full", group)
	}
	return nil
}
