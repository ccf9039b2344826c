package chat

import (
	"regexp"
	"strings"
	"time"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

const (
	payerGroup  = `(?P<payer>\w{3,16})`
	amountGroup = `\$?(?P<amount>\d[\d,]*(?:\.\d+)?[kKmMbB]?)`
	lineEnd     = `[.!]?\s*$`
)

// Pattern is one payment notification template. Every template exposes the
// named groups "payer" and "amount" regardless of clause order.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// DefaultPatterns are tried in order; the first match wins. "just paid" is
// listed before the generic form so "just" is never taken as the payer.
var DefaultPatterns = []Pattern{
	{Name: "just_paid", Re: regexp.MustCompile(`(?i)\b` + payerGroup + `\s+just\s+paid\s+you\s+` + amountGroup + lineEnd)},
	{Name: "paid", Re: regexp.MustCompile(`(?i)\b` + payerGroup + `\s+(?:has\s+)?paid\s+you\s+` + amountGroup + lineEnd)},
	{Name: "sent", Re: regexp.MustCompile(`(?i)\b` + payerGroup + `\s+(?:has\s+)?sent\s+you\s+` + amountGroup + lineEnd)},
	{Name: "received", Re: regexp.MustCompile(`(?i)\byou\s+(?:have\s+)?received\s+` + amountGroup + `\s+from\s+` + payerGroup + lineEnd)},
	{Name: "transferred", Re: regexp.MustCompile(`(?i)\b` + payerGroup + `\s+transferred\s+` + amountGroup + `\s+to\s+you` + lineEnd)},
}

// Parser turns raw chat lines into payment events addressed to the bridge's
// own handle.
type Parser struct {
	self     string
	patterns []Pattern
	now      func() time.Time
}

// NewParser returns a parser for the account named self. A nil patterns
// slice selects DefaultPatterns.
func NewParser(self string, patterns []Pattern) *Parser {
	if patterns == nil {
		patterns = DefaultPatterns
	}
	return &Parser{self: self, patterns: patterns, now: time.Now}
}

// Self returns the handle payments are expected to reach.
func (p *Parser) Self() string { return p.self }

// Match normalizes line and returns the payer and raw amount text of the
// first matching template.
func (p *Parser) Match(line string) (payer, amount string, ok bool) {
	clean := Normalize(line)
	if clean == "" {
		return "", "", false
	}
	for _, pat := range p.patterns {
		m := pat.Re.FindStringSubmatch(clean)
		if m == nil {
			continue
		}
		payer = m[pat.Re.SubexpIndex("payer")]
		amount = m[pat.Re.SubexpIndex("amount")]
		return payer, amount, true
	}
	return "", "", false
}

// Parse returns a PaymentEvent for lines announcing an incoming payment.
// Lines whose payer is the bridge itself are echoes and are dropped, as are
// amounts that do not parse or are zero.
func (p *Parser) Parse(line string) (domain.PaymentEvent, bool) {
	payer, raw, ok := p.Match(line)
	if !ok {
		return domain.PaymentEvent{}, false
	}
	if strings.EqualFold(payer, p.self) {
		return domain.PaymentEvent{}, false
	}
	amount, err := domain.ParseAmount(raw)
	if err != nil || !amount.IsPositive() {
		return domain.PaymentEvent{}, false
	}
	return domain.PaymentEvent{
		PayerHandle:     payer,
		RecipientHandle: p.self,
		Amount:          amount,
		RawLine:         line,
		Source:          domain.SourceChat,
		ObservedAt:      p.now().UTC(),
	}, true
}
