// Package billing turns reported usage into decimal cost, accumulates
// pending charges per key group, and debits group balances in batched,
// idempotent transactions.
package billing

import "github.com/shopspring/decimal"

var million = decimal.NewFromInt(1_000_000)

// ChatCost computes the cost of a chat completion. Rates are USD per
// million tokens; the result keeps full decimal precision.
func ChatCost(promptTokens, completionTokens int, inputPerMillion, outputPerMillion decimal.Decimal) decimal.Decimal {
	prompt := decimal.NewFromInt(int64(promptTokens)).Mul(inputPerMillion).Div(million)
	completion := decimal.NewFromInt(int64(completionTokens)).Mul(outputPerMillion).Div(million)
	return prompt.Add(completion)
}

// EmbeddingCost computes the cost of an embedding call.
func EmbeddingCost(tokens int, perMillion decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(tokens)).Mul(perMillion).Div(million)
}

// ImageCost computes the cost of an image generation call.
func ImageCost(count int, each decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(count)).Mul(each)
}
