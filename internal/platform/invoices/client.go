// Package invoices polls a storefront API for completed invoices so that
// purchases made outside the game can be reconciled like chat payments.
package invoices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBaseURL is the storefront API root.
const DefaultBaseURL = "https://api.sellauth.com/v1"

// DefaultNameField is the checkout custom field carrying the buyer's game
// handle.
const DefaultNameField = "In game name"

// Invoice is a completed purchase.
type Invoice struct {
	ID         string
	GameHandle string
	Amount     decimal.Decimal
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	APIKey    string
	ShopID    string
	NameField string
	PerPage   int
	Retry     RetryConfig
	Timeout   time.Duration
}

// Client lists completed invoices.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.NameField == "" {
		cfg.NameField = DefaultNameField
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(slog.String("component", "invoices")),
	}
}

// Skipped describes an invoice that could not be converted.
type Skipped struct {
	ID     string
	Reason string
}

// Completed returns the most recently completed invoices. Invoices missing a
// handle or an amount are reported in skipped rather than failing the call.
func (c *Client) Completed(ctx context.Context) (invoices []Invoice, skipped []Skipped, err error) {
	url := fmt.Sprintf("%s/shops/%s/invoices", c.cfg.BaseURL, c.cfg.ShopID)
	body, err := json.Marshal(map[string]any{
		"statuses":       []string{"completed"},
		"perPage":        c.cfg.PerPage,
		"orderColumn":    "completed_at",
		"orderDirection": "desc",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("invoices: marshal query: %w", err)
	}

	resp, err := doWithRetry(ctx, c.http, c.cfg.Retry, c.logger, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("invoices: list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, nil, fmt.Errorf("invoices: list: HTTP %d: %s", resp.StatusCode, string(b))
	}

	raws, err := decodeList(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("invoices: decode: %w", err)
	}

	for _, raw := range raws {
		id := firstString(raw, "id", "invoice_id", "_id")
		if id == "" {
			continue
		}
		handle := findHandle(raw, c.cfg.NameField)
		if handle == "" {
			skipped = append(skipped, Skipped{ID: id, Reason: "missing " + c.cfg.NameField})
			continue
		}
		amount, ok := findAmount(raw)
		if !ok {
			skipped = append(skipped, Skipped{ID: id, Reason: "missing amount"})
			continue
		}
		invoices = append(invoices, Invoice{ID: id, GameHandle: handle, Amount: amount})
	}
	return invoices, skipped, nil
}

// decodeList accepts either a bare array or an object wrapping it in items,
// invoices or data.
func decodeList(r io.Reader) ([]map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}

	var list []any
	switch v := payload.(type) {
	case []any:
		list = v
	case map[string]any:
		for _, k := range []string{"items", "invoices", "data"} {
			if l, ok := v[k].([]any); ok {
				list = l
				break
			}
		}
	}

	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	}
	return decimal.Zero, false
}

// findHandle looks for the custom field on the invoice, then on its items.
// custom_fields may be an object or a list of {name|key, value|val}.
func findHandle(inv map[string]any, field string) string {
	if h := handleIn(inv["custom_fields"], field); h != "" {
		return h
	}
	items, _ := inv["items"].([]any)
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			if h := handleIn(m["custom_fields"], field); h != "" {
				return h
			}
		}
	}
	return ""
}

func handleIn(fields any, field string) string {
	switch f := fields.(type) {
	case map[string]any:
		for _, k := range []string{field, strings.ToLower(field), "in_game_name"} {
			if s, ok := f[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	case []any:
		for _, e := range f {
			m, ok := e.(map[string]any)
			if !ok || (m["name"] != field && m["key"] != field) {
				continue
			}
			if s := firstString(m, "value", "val"); strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// findAmount tries the common amount keys, then sums item price * quantity.
func findAmount(inv map[string]any) (decimal.Decimal, bool) {
	for _, k := range []string{"amount_paid", "paid_amount", "amount", "total", "total_paid", "price"} {
		if d, ok := toDecimal(inv[k]); ok {
			return d, true
		}
	}

	items, _ := inv["items"].([]any)
	total := decimal.Zero
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		var price decimal.Decimal
		for _, k := range []string{"price", "unit_price", "amount", "total_price"} {
			if d, ok := toDecimal(m[k]); ok {
				price = d
				break
			}
		}
		qty := decimal.NewFromInt(1)
		if q, ok := toDecimal(m["quantity"]); ok && q.IsPositive() {
			qty = q
		}
		total = total.Add(price.Mul(qty))
	}
	if total.IsPositive() {
		return total, true
	}
	return decimal.Zero, false
}
