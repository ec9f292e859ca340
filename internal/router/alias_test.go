package router

import "testing"

func TestParseAlias(t *testing.T) {
	tests := []struct {
		in       string
		routed   bool
		strategy Strategy
		model    string
	}{
		{"router", true, "", ""},
		{"router:roundrobin", true, StrategyRoundRobin, ""},
		{"router:RoundRobin", true, StrategyRoundRobin, ""},
		{"router:leastused:gpt-4o", true, StrategyLeastUsed, "gpt-4o"},
		{"router:gpt-4o", true, "", "gpt-4o"},
		{"router:gpt:4", true, "", "gpt:4"},
		{"router:passthrough:claude-3", true, StrategyPassthrough, "claude-3"},
		{"gpt-4o", false, "", ""},
		{"routerx", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			alias, routed := ParseAlias(tt.in)
			if routed != tt.routed {
				t.Fatalf("routed = %v, want %v", routed, tt.routed)
			}
			if !routed {
				return
			}
			if alias.Strategy != tt.strategy {
				t.Errorf("strategy = %q, want %q", alias.Strategy, tt.strategy)
			}
			if alias.Model != tt.model {
				t.Errorf("model = %q, want %q", alias.Model, tt.model)
			}
		})
	}
}
