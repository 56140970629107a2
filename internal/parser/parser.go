// Package parser turns provider text messages into ledger transactions.
//
// Parsing is pure: it never touches storage and never fails loudly. A message
// that cannot be understood is simply not a transaction.
package parser

import (
	"regexp"
	"sort"
	"strings"

	"pesa/internal/core"
)

// DefaultProvider is the sender identifier used by M-PESA.
const DefaultProvider = "MPESA"

// DefaultCurrencyPrefixes are the literals that precede amounts in M-PESA messages.
var DefaultCurrencyPrefixes = []string{"Ksh", "Kshs"}

// amountPattern captures either grouped thousands or a plain digit run,
// followed by an optional two-digit fraction.
const amountPattern = `((?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d{2})?)`

type rule struct {
	name string
	kind core.Kind
	re   *regexp.Regexp
	// trailing rules take the counterpart from the text after the match,
	// up to the next " on".
	trailing bool
}

// Parser recognises one provider's message grammar.
type Parser struct {
	provider  string
	amountRe  *regexp.Regexp
	balanceRe *regexp.Regexp
	rules     []rule
}

// New builds a parser for the given provider sender and currency literals.
// An empty prefix list falls back to DefaultCurrencyPrefixes.
func New(provider string, currencyPrefixes []string) *Parser {
	currency := currencyAlternation(currencyPrefixes)
	amount := currency + amountPattern

	return &Parser{
		provider:  strings.TrimSpace(provider),
		amountRe:  regexp.MustCompile(amount),
		balanceRe: regexp.MustCompile(`(?i:balance is)\s*` + amount),
		// Order is priority: the first matching rule wins.
		rules: []rule{
			{name: "sent", kind: core.KindDeduction, re: regexp.MustCompile(`(?i:sent to) (.+?) on\b`)},
			{name: "paid", kind: core.KindDeduction, re: regexp.MustCompile(`(?i:paid to) (.+?) on\b`)},
			{name: "received_from", kind: core.KindCredit, re: regexp.MustCompile(`(?i:received from) (.+?) on\b`)},
			{name: "received", kind: core.KindCredit, re: regexp.MustCompile(`(?i:you have received)`), trailing: true},
			{name: "bought", kind: core.KindDeduction, re: regexp.MustCompile(`(?i:you bought) (.+?) on\b`)},
			{name: "withdraw", kind: core.KindDeduction, re: regexp.MustCompile(`(?i:withdraw) ` + currency + amountPattern + ` from (.+?) -`)},
			{name: "credited", kind: core.KindCredit, re: regexp.MustCompile(`(?i:has been credited to your)(?: [\w-]+)? (?i:account)`), trailing: true},
		},
	}
}

// currencyAlternation builds a non-capturing group of the prefixes, longest
// first so that "Kshs" is not cut short by "Ksh".
func currencyAlternation(prefixes []string) string {
	if len(prefixes) == 0 {
		prefixes = DefaultCurrencyPrefixes
	}
	quoted := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			quoted = append(quoted, regexp.QuoteMeta(p))
		}
	}
	sort.SliceStable(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	return `(?:` + strings.Join(quoted, "|") + `)\s?`
}

// Provider returns the configured sender identifier.
func (p *Parser) Provider() string {
	return p.provider
}

// IsProvider reports whether msg was sent by the configured provider.
func (p *Parser) IsProvider(msg core.RawMessage) bool {
	return strings.EqualFold(strings.TrimSpace(msg.Sender), p.provider)
}

// Parse extracts a transaction from msg. The boolean is false when msg is not
// from the provider, carries no amount, matches no rule, or names no
// counterpart.
func (p *Parser) Parse(msg core.RawMessage) (core.Transaction, bool) {
	if !p.IsProvider(msg) {
		return core.Transaction{}, false
	}

	amount, ok := p.amount(msg.Body)
	if !ok {
		return core.Transaction{}, false
	}

	kind, counterpart, ok := p.classify(msg.Body)
	if !ok {
		return core.Transaction{}, false
	}

	tx := core.Transaction{
		TimestampMillis: msg.TimestampMillis,
		Amount:          amount,
		Counterpart:     counterpart,
		Kind:            kind,
	}
	if tx.Validate() != nil {
		return core.Transaction{}, false
	}
	return tx, true
}

// ParseAll parses every message and keeps only the transactions.
func (p *Parser) ParseAll(msgs []core.RawMessage) []core.Transaction {
	var out []core.Transaction
	for _, m := range msgs {
		if tx, ok := p.Parse(m); ok {
			out = append(out, tx)
		}
	}
	return out
}

func (p *Parser) amount(body string) (core.Money, bool) {
	match := p.amountRe.FindStringSubmatch(body)
	if match == nil {
		return core.Zero, false
	}
	m, err := core.ParseMoney(match[1])
	if err != nil || !m.IsPositive() {
		return core.Zero, false
	}
	return m, true
}

func (p *Parser) classify(body string) (core.Kind, string, bool) {
	for _, r := range p.rules {
		loc := r.re.FindStringSubmatchIndex(body)
		if loc == nil {
			continue
		}

		var counterpart string
		if r.trailing {
			counterpart = textUntilOn(body[loc[1]:])
		} else {
			last := len(loc) - 2
			counterpart = body[loc[last]:loc[last+1]]
		}

		counterpart = strings.TrimSpace(counterpart)
		if counterpart == "" {
			return "", "", false
		}
		return r.kind, counterpart, true
	}
	return "", "", false
}

// onWord matches the standalone word "on", as the named rules do.
var onWord = regexp.MustCompile(`\son\b`)

// textUntilOn returns s up to the first standalone " on", or all of s.
func textUntilOn(s string) string {
	if loc := onWord.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.TrimSpace(s)
}
