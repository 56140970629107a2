package parser

import (
	"sort"

	"pesa/internal/core"
)

// balanceWindow is how many of the newest provider messages are scanned.
const balanceWindow = 2

// ExtractBalance returns the account balance reported by the newest provider
// messages, or zero when none of them carries one.
//
// Messages are ordered newest first by timestamp here, so callers may pass the
// inbox in any order. Equal timestamps keep their input order.
func (p *Parser) ExtractBalance(msgs []core.RawMessage) core.Money {
	balance, _ := p.LookupBalance(msgs)
	return balance
}

// LookupBalance is ExtractBalance with an explicit found flag.
func (p *Parser) LookupBalance(msgs []core.RawMessage) (core.Money, bool) {
	provider := make([]core.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		if p.IsProvider(m) {
			provider = append(provider, m)
		}
	}
	sort.SliceStable(provider, func(i, j int) bool {
		return provider[i].TimestampMillis > provider[j].TimestampMillis
	})
	if len(provider) > balanceWindow {
		provider = provider[:balanceWindow]
	}

	for _, m := range provider {
		match := p.balanceRe.FindStringSubmatch(m.Body)
		if match == nil {
			continue
		}
		if b, err := core.ParseMoney(match[1]); err == nil {
			return b, true
		}
	}
	return core.Zero, false
}
