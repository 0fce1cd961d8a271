package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kirillm/trade-pilot/internal/domain"
)

// BybitClient реализует Gateway поверх Bybit v5 HTTP API
type BybitClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	client     *http.Client
	recvWindow string
	limiter    *rate.Limiter

	mu      sync.RWMutex
	filters map[string]*SymbolFilters
}

func NewBybitClient(apiKey, apiSecret, baseURL string, requestsPerSec float64) *BybitClient {
	if requestsPerSec <= 0 {
		requestsPerSec = 10
	}
	return &BybitClient{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		recvWindow: domain.BybitRecvWindow,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSec), int(requestsPerSec)),
		filters:    make(map[string]*SymbolFilters),
	}
}

type apiEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// get выполняет GET запрос; signed добавляет заголовки авторизации
func (b *BybitClient) get(ctx context.Context, endpoint, params string, signed bool, result interface{}) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	url := fmt.Sprintf("%s%s?%s", b.baseURL, endpoint, params)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		b.setAuthHeaders(req, timestamp, b.sign(timestamp, params))
	}
	return b.do(req, result)
}

// post выполняет подписанный POST запрос с JSON телом
func (b *BybitClient) post(ctx context.Context, endpoint string, body map[string]interface{}, result interface{}) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	url := fmt.Sprintf("%s%s", b.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(jsonData)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	b.setAuthHeaders(req, timestamp, b.sign(timestamp, string(jsonData)))
	return b.do(req, result)
}

func (b *BybitClient) do(req *http.Request, result interface{}) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if envelope.RetCode != 0 {
		return fmt.Errorf("%w: %s", domain.ErrExchangeAPI, envelope.RetMsg)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return nil
}

func (b *BybitClient) sign(timestamp, payload string) string {
	message := timestamp + b.apiKey + b.recvWindow + payload
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitClient) setAuthHeaders(req *http.Request, timestamp, signature string) {
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", b.recvWindow)
}

// parseFloat парсит строковый decimal Bybit; пустая строка дает 0
func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// GetPrice получает последнюю цену символа
func (b *BybitClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	t, err := b.GetTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.LastPrice, nil
}

// GetTicker получает 24-часовой тикер
func (b *BybitClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var result struct {
		List []struct {
			Symbol       string `json:"symbol"`
			LastPrice    string `json:"lastPrice"`
			HighPrice24h string `json:"highPrice24h"`
			LowPrice24h  string `json:"lowPrice24h"`
			Turnover24h  string `json:"turnover24h"`
			Price24hPcnt string `json:"price24hPcnt"`
		} `json:"list"`
	}
	params := fmt.Sprintf("category=%s&symbol=%s", domain.BybitCategorySpot, symbol)
	if err := b.get(ctx, "/v5/market/tickers", params, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("no ticker data for symbol %s", symbol)
	}
	row := result.List[0]

	last, err := parseFloat(row.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price for %s: %w", symbol, err)
	}
	if last == 0 {
		return nil, fmt.Errorf("empty price data for symbol %s", symbol)
	}
	high, _ := parseFloat(row.HighPrice24h)
	low, _ := parseFloat(row.LowPrice24h)
	turnover, _ := parseFloat(row.Turnover24h)
	change, _ := parseFloat(row.Price24hPcnt)

	return &Ticker{
		Symbol:       row.Symbol,
		LastPrice:    last,
		HighPrice24h: high,
		LowPrice24h:  low,
		Turnover24h:  turnover,
		ChangePct24h: change * 100,
	}, nil
}

// GetKlines получает свечи. Bybit отдает новые первыми, возвращаем oldest-first.
func (b *BybitClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	var result struct {
		List [][]string `json:"list"`
	}
	params := fmt.Sprintf("category=%s&symbol=%s&interval=%s&limit=%d",
		domain.BybitCategorySpot, symbol, interval, limit)
	if err := b.get(ctx, "/v5/market/kline", params, false, &result); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		open, _ := parseFloat(row[1])
		high, _ := parseFloat(row[2])
		low, _ := parseFloat(row[3])
		closePrice, _ := parseFloat(row[4])
		volume, _ := parseFloat(row[5])
		candles = append(candles, domain.Candle{
			OpenTime: time.UnixMilli(ts),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
		})
	}
	return candles, nil
}

// GetBalances получает балансы всех монет UNIFIED аккаунта
func (b *BybitClient) GetBalances(ctx context.Context) (map[string]Balance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	params := fmt.Sprintf("accountType=%s", domain.BybitAccountUnified)
	if err := b.get(ctx, "/v5/account/wallet-balance", params, true, &result); err != nil {
		return nil, err
	}

	balances := make(map[string]Balance)
	if len(result.List) == 0 {
		return balances, nil
	}
	for _, coin := range result.List[0].Coin {
		total, err := parseFloat(coin.WalletBalance)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance for %s: %w", coin.Coin, err)
		}
		locked, _ := parseFloat(coin.Locked)
		balances[coin.Coin] = Balance{
			Asset:  coin.Coin,
			Free:   total - locked,
			Locked: locked,
		}
	}
	return balances, nil
}

// GetSymbolFilters получает фильтры символа, результат кэшируется
func (b *BybitClient) GetSymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	b.mu.RLock()
	cached, ok := b.filters[symbol]
	b.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			BaseCoin      string `json:"baseCoin"`
			QuoteCoin     string `json:"quoteCoin"`
			PriceFilter   struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				BasePrecision  string `json:"basePrecision"`
				MinOrderQty    string `json:"minOrderQty"`
				MinOrderAmt    string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	params := fmt.Sprintf("category=%s&symbol=%s", domain.BybitCategorySpot, symbol)
	if err := b.get(ctx, "/v5/market/instruments-info", params, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("no instrument info for symbol %s", symbol)
	}
	row := result.List[0]
	tickSize, _ := parseFloat(row.PriceFilter.TickSize)
	stepSize, _ := parseFloat(row.LotSizeFilter.BasePrecision)
	minQty, _ := parseFloat(row.LotSizeFilter.MinOrderQty)
	minNotional, _ := parseFloat(row.LotSizeFilter.MinOrderAmt)

	filters := &SymbolFilters{
		Symbol:      row.Symbol,
		BaseAsset:   row.BaseCoin,
		QuoteAsset:  row.QuoteCoin,
		TickSize:    tickSize,
		StepSize:    stepSize,
		MinQty:      minQty,
		MinNotional: minNotional,
	}

	b.mu.Lock()
	b.filters[symbol] = filters
	b.mu.Unlock()
	return filters, nil
}

type orderCreateResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceMarketOrder размещает рыночный ордер
func (b *BybitClient) PlaceMarketOrder(ctx context.Context, symbol, side string, qty float64) (*OrderInfo, error) {
	return b.placeOrder(ctx, map[string]interface{}{
		"category":    domain.BybitCategorySpot,
		"symbol":      symbol,
		"side":        normalizeSide(side),
		"orderType":   domain.OrderTypeMarket,
		"qty":         formatQty(qty),
		"orderLinkId": uuid.NewString(),
	}, symbol, side, qty, 0)
}

// PlaceLimitOrder размещает лимитный ордер
func (b *BybitClient) PlaceLimitOrder(ctx context.Context, symbol, side string, qty, price float64) (*OrderInfo, error) {
	return b.placeOrder(ctx, map[string]interface{}{
		"category":    domain.BybitCategorySpot,
		"symbol":      symbol,
		"side":        normalizeSide(side),
		"orderType":   domain.OrderTypeLimit,
		"qty":         formatQty(qty),
		"price":       formatQty(price),
		"timeInForce": "GTC",
		"orderLinkId": uuid.NewString(),
	}, symbol, side, qty, price)
}

// PlaceProtectiveOrder размещает OCO-пару stop-loss/take-profit на продажу
func (b *BybitClient) PlaceProtectiveOrder(ctx context.Context, symbol string, qty, stopLoss, takeProfit float64) (*OrderInfo, error) {
	return b.placeOrder(ctx, map[string]interface{}{
		"category":    domain.BybitCategorySpot,
		"symbol":      symbol,
		"side":        "Sell",
		"orderType":   domain.OrderTypeLimit,
		"qty":         formatQty(qty),
		"price":       formatQty(takeProfit),
		"triggerPrice": formatQty(stopLoss),
		"slOrderType": domain.OrderTypeMarket,
		"timeInForce": "GTC",
		"orderLinkId": uuid.NewString(),
	}, symbol, domain.SideSell, qty, takeProfit)
}

func (b *BybitClient) placeOrder(ctx context.Context, body map[string]interface{}, symbol, side string, qty, price float64) (*OrderInfo, error) {
	var result orderCreateResult
	if err := b.post(ctx, "/v5/order/create", body, &result); err != nil {
		return nil, err
	}
	return &OrderInfo{
		OrderID:     result.OrderID,
		OrderLinkID: result.OrderLinkID,
		Symbol:      symbol,
		Side:        strings.ToUpper(side),
		Type:        fmt.Sprintf("%v", body["orderType"]),
		Price:       price,
		Quantity:    qty,
		Status:      "New",
		CreatedAt:   time.Now(),
	}, nil
}

// CancelOrder отменяет ордер
func (b *BybitClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return b.post(ctx, "/v5/order/cancel", map[string]interface{}{
		"category": domain.BybitCategorySpot,
		"symbol":   symbol,
		"orderId":  orderID,
	}, nil)
}

type orderRow struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	OrderStatus string `json:"orderStatus"`
	CreatedTime string `json:"createdTime"`
}

func (row orderRow) toOrderInfo() OrderInfo {
	price, _ := parseFloat(row.Price)
	qty, _ := parseFloat(row.Qty)
	executed, _ := parseFloat(row.CumExecQty)
	avg, _ := parseFloat(row.AvgPrice)
	var createdAt time.Time
	if ts, err := strconv.ParseInt(row.CreatedTime, 10, 64); err == nil {
		createdAt = time.UnixMilli(ts)
	}
	return OrderInfo{
		OrderID:     row.OrderID,
		OrderLinkID: row.OrderLinkID,
		Symbol:      row.Symbol,
		Side:        strings.ToUpper(row.Side),
		Type:        row.OrderType,
		Price:       price,
		Quantity:    qty,
		ExecutedQty: executed,
		AvgPrice:    avg,
		Status:      row.OrderStatus,
		CreatedAt:   createdAt,
	}
}

// GetOpenOrders получает открытые ордера по символу
func (b *BybitClient) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	var result struct {
		List []orderRow `json:"list"`
	}
	params := fmt.Sprintf("category=%s&symbol=%s", domain.BybitCategorySpot, symbol)
	if err := b.get(ctx, "/v5/order/realtime", params, true, &result); err != nil {
		return nil, err
	}
	orders := make([]OrderInfo, 0, len(result.List))
	for _, row := range result.List {
		orders = append(orders, row.toOrderInfo())
	}
	return orders, nil
}

// GetOrder получает детализацию ордера (включая терминальные статусы)
func (b *BybitClient) GetOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	var result struct {
		List []orderRow `json:"list"`
	}
	params := fmt.Sprintf("category=%s&symbol=%s&orderId=%s", domain.BybitCategorySpot, symbol, orderID)
	if err := b.get(ctx, "/v5/order/history", params, true, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	info := result.List[0].toOrderInfo()
	return &info, nil
}

// GetOrderFills получает собственные исполнения по ордеру
func (b *BybitClient) GetOrderFills(ctx context.Context, symbol, orderID string) ([]FillRecord, error) {
	var result struct {
		List []struct {
			ExecID   string `json:"execId"`
			OrderID  string `json:"orderId"`
			Symbol   string `json:"symbol"`
			Side     string `json:"side"`
			ExecQty  string `json:"execQty"`
			ExecPrice string `json:"execPrice"`
			FeeCurrency string `json:"feeCurrency"`
			ExecFee  string `json:"execFee"`
			ExecTime string `json:"execTime"`
		} `json:"list"`
	}
	params := fmt.Sprintf("category=%s&symbol=%s&orderId=%s", domain.BybitCategorySpot, symbol, orderID)
	if err := b.get(ctx, "/v5/execution/list", params, true, &result); err != nil {
		return nil, err
	}

	fills := make([]FillRecord, 0, len(result.List))
	for _, row := range result.List {
		qty, _ := parseFloat(row.ExecQty)
		price, _ := parseFloat(row.ExecPrice)
		fee, _ := parseFloat(row.ExecFee)
		var at time.Time
		if ts, err := strconv.ParseInt(row.ExecTime, 10, 64); err == nil {
			at = time.UnixMilli(ts)
		}
		fills = append(fills, FillRecord{
			TradeID:   row.ExecID,
			OrderID:   row.OrderID,
			Symbol:    row.Symbol,
			Side:      strings.ToUpper(row.Side),
			Qty:       qty,
			Price:     price,
			FeeAsset:  row.FeeCurrency,
			FeeAmount: fee,
			At:        at,
		})
	}
	return fills, nil
}

// normalizeSide приводит "BUY"/"SELL" к формату Bybit ("Buy"/"Sell")
func normalizeSide(side string) string {
	switch strings.ToUpper(side) {
	case domain.SideBuy:
		return "Buy"
	case domain.SideSell:
		return "Sell"
	}
	return side
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
