package chat

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/escrowbot/internal/domain"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"section codes", "§aAlice §fpaid you §e$12.34", "Alice paid you $12.34"},
		{"ampersand codes", "&lAlice&r paid you $5", "Alice paid you $5"},
		{"hex colour", "§x§F§F§0§0§A§AAlice paid you $1", "Alice paid you $1"},
		{"rank tag", "[VIP] [Shop]  Alice paid you $1", "Alice paid you $1"},
		{"control chars", "Alice\u0007 paid\tyou $1", "Alice paid you $1"},
		{"whitespace", "  Alice    paid   you $1  ", "Alice paid you $1"},
		{"empty", "§r  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParser_Parse(t *testing.T) {
	p := NewParser("EscrowBot", nil)
	tests := []struct {
		line   string
		payer  string
		amount string
		ok     bool
	}{
		{"Alice paid you $12.34.", "Alice", "12.34", true},
		{"Alice has paid you 12.34", "Alice", "12.34", true},
		{"Alice just paid you $1.5k!", "Alice", "1500", true},
		{"Bob_99 sent you $1,250", "Bob_99", "1250", true},
		{"Bob has sent you $3m", "Bob", "3000000", true},
		{"You received $40.01 from Carol.", "Carol", "40.01", true},
		{"You have received $7 from Carol", "Carol", "7", true},
		{"Dave transferred $100 to you", "Dave", "100", true},
		{"§6[Pay] §aAlice §7paid you §a$100.00§7.", "Alice", "100.00", true},
		{"ESCROWBOT paid you $5", "", "", false},
		{"Alice paid Bob $5", "", "", false},
		{"Alice paid you $0", "", "", false},
		{"Alice paid you lots", "", "", false},
		{"You paid Alice $5", "", "", false},
		{"Al paid you $5", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ev, ok := p.Parse(tt.line)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok = %v, want %v (event %+v)", tt.line, ok, tt.ok, ev)
			}
			if !ok {
				return
			}
			if ev.PayerHandle != tt.payer {
				t.Errorf("payer = %q, want %q", ev.PayerHandle, tt.payer)
			}
			if !ev.Amount.Equal(decimal.RequireFromString(tt.amount)) {
				t.Errorf("amount = %s, want %s", ev.Amount, tt.amount)
			}
			if ev.RecipientHandle != "EscrowBot" || ev.Source != domain.SourceChat {
				t.Errorf("event = %+v", ev)
			}
			if ev.RawLine != tt.line {
				t.Errorf("RawLine = %q, want original line", ev.RawLine)
			}
		})
	}
}

func TestParser_CustomPatterns(t *testing.T) {
	p := NewParser("EscrowBot", DefaultPatterns[3:4])
	if _, ok := p.Parse("Alice paid you $5"); ok {
		t.Error("custom pattern list still matched the paid template")
	}
	if _, ok := p.Parse("You received $5 from Alice"); !ok {
		t.Error("custom pattern list did not match the received template")
	}
}
