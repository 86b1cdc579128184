package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/pyramidbot/internal/crypto"
	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

const (
	defaultRecvWindowMS = 5000
	orderCategory       = "linear"
)

// BybitAdapter implements domain.ExecutionAdapter against the Bybit v5 REST
// API with market orders. Exits are submitted reduce-only so a stale signal
// can never flip the position.
type BybitAdapter struct {
	baseURL string
	auth    *crypto.HMACAuth
	client  *http.Client
	logger  *slog.Logger
}

// NewBybitAdapter creates an adapter for the given REST endpoint.
func NewBybitAdapter(baseURL string, creds crypto.Credentials, logger *slog.Logger) *BybitAdapter {
	return &BybitAdapter{
		baseURL: baseURL,
		auth:    &crypto.HMACAuth{Key: creds.APIKey, Secret: creds.APISecret},
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With(slog.String("component", "bybit_adapter")),
	}
}

type apiEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type createOrderResult struct {
	OrderID string `json:"orderId"`
}

type instrumentsResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		LotSizeFilter struct {
			QtyStep     string `json:"qtyStep"`
			MinOrderQty string `json:"minOrderQty"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

type tickersResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

// SubmitEntry places a market order extending the position.
func (b *BybitAdapter) SubmitEntry(ctx context.Context, symbol string, side domain.Side, quantity float64) (domain.FillConfirmation, error) {
	return b.submitOrder(ctx, symbol, side, quantity, false)
}

// SubmitExit places a reduce-only market order against the position.
func (b *BybitAdapter) SubmitExit(ctx context.Context, symbol string, side domain.Side, quantity float64, trigger domain.TriggerKind) (domain.FillConfirmation, error) {
	return b.submitOrder(ctx, symbol, side, quantity, true)
}

func (b *BybitAdapter) submitOrder(ctx context.Context, symbol string, side domain.Side, quantity float64, reduceOnly bool) (domain.FillConfirmation, error) {
	orderSide := "Buy"
	if (side == domain.SideShort) != reduceOnly {
		orderSide = "Sell"
	}

	body := map[string]any{
		"category":  orderCategory,
		"symbol":    symbol,
		"side":      orderSide,
		"orderType": "Market",
		"qty":       strconv.FormatFloat(quantity, 'f', -1, 64),
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}

	var result createOrderResult
	if err := b.post(ctx, "/v5/order/create", body, &result); err != nil {
		return domain.FillConfirmation{}, err
	}

	// Market orders fill immediately; the create response carries no fill
	// price, so settle the confirmation at the current last trade price.
	price, err := b.lastPrice(ctx, symbol)
	if err != nil {
		return domain.FillConfirmation{}, err
	}

	b.logger.Info("order placed",
		slog.String("order_id", result.OrderID),
		slog.String("symbol", symbol),
		slog.String("side", orderSide),
		slog.Float64("quantity", quantity),
		slog.Bool("reduce_only", reduceOnly),
	)

	return domain.FillConfirmation{
		OrderID:  result.OrderID,
		Symbol:   symbol,
		Side:     side,
		Quantity: quantity,
		Price:    price,
		FilledAt: time.Now().UTC(),
	}, nil
}

// GetContractSpec fetches the instrument's lot rules and current contract
// value.
func (b *BybitAdapter) GetContractSpec(ctx context.Context, symbol string) (domain.ContractSpec, error) {
	query := url.Values{"category": {orderCategory}, "symbol": {symbol}}

	var instruments instrumentsResult
	if err := b.get(ctx, "/v5/market/instruments-info", query, &instruments); err != nil {
		return domain.ContractSpec{}, err
	}
	if len(instruments.List) == 0 {
		return domain.ContractSpec{}, fmt.Errorf("bybit: instrument %s: %w", symbol, domain.ErrNotFound)
	}
	inst := instruments.List[0]

	qtyStep, _ := strconv.ParseFloat(inst.LotSizeFilter.QtyStep, 64)
	minQty, _ := strconv.ParseFloat(inst.LotSizeFilter.MinOrderQty, 64)

	// One linear contract is one base unit, so its quote value is the price.
	price, err := b.lastPrice(ctx, symbol)
	if err != nil {
		return domain.ContractSpec{}, err
	}

	return domain.ContractSpec{
		Symbol:    inst.Symbol,
		UnitValue: price,
		QtyStep:   qtyStep,
		MinQty:    minQty,
	}, nil
}

func (b *BybitAdapter) lastPrice(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{"category": {orderCategory}, "symbol": {symbol}}

	var tickers tickersResult
	if err := b.get(ctx, "/v5/market/tickers", query, &tickers); err != nil {
		return 0, err
	}
	if len(tickers.List) == 0 {
		return 0, fmt.Errorf("bybit: ticker %s: %w", symbol, domain.ErrNotFound)
	}
	price, err := strconv.ParseFloat(tickers.List[0].LastPrice, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("bybit: ticker %s price %q", symbol, tickers.List[0].LastPrice)
	}
	return price, nil
}

func (b *BybitAdapter) post(ctx context.Context, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bybit: marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bybit: create request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range b.auth.Headers(defaultRecvWindowMS, string(payload)) {
		req.Header.Set(k, v)
	}

	return b.do(req, path, out)
}

func (b *BybitAdapter) get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("bybit: create request %s: %w", path, err)
	}
	for k, v := range b.auth.Headers(defaultRecvWindowMS, query.Encode()) {
		req.Header.Set(k, v)
	}

	return b.do(req, path, out)
}

func (b *BybitAdapter) do(req *http.Request, path string, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bybit: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("bybit: read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bybit: %s: status %d: %s", path, resp.StatusCode, string(raw))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("bybit: decode %s: %w", path, err)
	}
	if envelope.RetCode != 0 {
		return fmt.Errorf("bybit: %s: retCode %d: %s", path, envelope.RetCode, envelope.RetMsg)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("bybit: decode result %s: %w", path, err)
		}
	}
	return nil
}

// Compile-time interface check.
var _ domain.ExecutionAdapter = (*BybitAdapter)(nil)
