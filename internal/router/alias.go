package router

import "strings"

// Strategy names a mapping-selection policy.
type Strategy string

const (
	StrategySimple      Strategy = "simple"
	StrategyRandom      Strategy = "random"
	StrategyRoundRobin  Strategy = "roundrobin"
	StrategyLeastUsed   Strategy = "leastused"
	StrategyPassthrough Strategy = "passthrough"
)

var knownStrategies = map[Strategy]bool{
	StrategySimple:      true,
	StrategyRandom:      true,
	StrategyRoundRobin:  true,
	StrategyLeastUsed:   true,
	StrategyPassthrough: true,
}

// Alias is a parsed routing request. An empty Strategy means the router
// default applies; an empty Model means selection is unconstrained.
type Alias struct {
	Strategy Strategy
	Model    string
}

// ParseAlias interprets the model field of an incoming request. It returns
// false when the value is a plain model alias that bypasses routing.
//
//	router                     default strategy, unconstrained
//	router:<strategy>          named strategy, unconstrained
//	router:<model>             default strategy, constrained to model
//	router:<strategy>:<model>  both
//
// Strategy matching is case-insensitive. A second segment that is not a
// known strategy is a model name, colons and all.
func ParseAlias(value string) (Alias, bool) {
	if value == "router" || value == "router:" {
		return Alias{}, true
	}
	rest, ok := strings.CutPrefix(value, "router:")
	if !ok {
		return Alias{}, false
	}
	head, tail, _ := strings.Cut(rest, ":")
	if s := Strategy(strings.ToLower(head)); knownStrategies[s] {
		return Alias{Strategy: s, Model: tail}, true
	}
	return Alias{Model: rest}, true
}
