package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const binanceName = "BINANCE"

// BinanceClient talks to the Binance spot REST API.
type BinanceClient struct {
	baseURL    string
	apiKey     string
	secret     []byte
	httpClient *http.Client
	rules      map[string]Rules // canonical symbol -> rules
}

// BinanceConfig holds connection settings and the per-symbol trading rules
// resolved at startup.
type BinanceConfig struct {
	BaseURL        string
	APIKey         string
	Secret         string
	RequestTimeout time.Duration
	Rules          map[string]Rules
}

func NewBinanceClient(cfg BinanceConfig) *BinanceClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &BinanceClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		secret:     []byte(cfg.Secret),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		rules:      cfg.Rules,
	}
}

func (b *BinanceClient) Name() string { return binanceName }

func (b *BinanceClient) Rules(symbol string) (Rules, bool) {
	r, ok := b.rules[symbol]
	return r, ok
}

// binanceOrderResponse is the FULL response of POST /api/v3/order.
type binanceOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	TransactTime  int64  `json:"transactTime"`
	Fills         []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
		TradeID         int64  `json:"tradeId"`
	} `json:"fills"`
}

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *BinanceClient) SubmitOrder(ctx context.Context, req OrderRequest) (SubmitAck, error) {
	sym, err := ParseSymbol(req.Symbol)
	if err != nil {
		return SubmitAck{}, err
	}

	params := url.Values{}
	params.Set("symbol", req.VenueSymbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "FULL")
	if req.Type == OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}

	body, err := b.signedCall(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return SubmitAck{}, err
	}

	var resp binanceOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return SubmitAck{}, &AmbiguousError{Venue: binanceName, Err: fmt.Errorf("decode order response: %w", err)}
	}

	ack := SubmitAck{
		VenueOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:       resp.Status,
	}
	ts := time.UnixMilli(resp.TransactTime)
	for _, f := range resp.Fills {
		price, perr := decimal.NewFromString(f.Price)
		qty, qerr := decimal.NewFromString(f.Qty)
		fee, ferr := decimal.NewFromString(f.Commission)
		if perr != nil || qerr != nil || ferr != nil {
			return SubmitAck{}, &AmbiguousError{Venue: binanceName, Err: fmt.Errorf("unparseable fill in order %d", resp.OrderID)}
		}
		ack.Fills = append(ack.Fills, Fill{
			ID:        fmt.Sprintf("%s:%d", binanceName, f.TradeID),
			OrderID:   ack.VenueOrderID,
			Venue:     binanceName,
			Symbol:    sym.String(),
			Side:      req.Side,
			Quantity:  qty,
			Price:     price,
			FeeCcy:    f.CommissionAsset,
			Fee:       fee,
			Timestamp: ts,
		})
	}
	return ack, nil
}

// binanceOrderNotFound is the venue's code for an unknown order.
const binanceOrderNotFound = "-2013"

// QueryOrder resolves an order by its client order ID. Used by
// reconciliation to settle ambiguous submissions.
func (b *BinanceClient) QueryOrder(ctx context.Context, symbol, clientOrderID string) (SubmitAck, bool, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return SubmitAck{}, false, err
	}

	params := url.Values{}
	params.Set("symbol", sym.Base+sym.Quote)
	params.Set("origClientOrderId", clientOrderID)

	body, err := b.signedCall(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		var re *RejectionError
		if errors.As(err, &re) && re.VenueCode == binanceOrderNotFound {
			return SubmitAck{}, false, nil
		}
		return SubmitAck{}, false, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return SubmitAck{}, false, fmt.Errorf("decode order query: %w", err)
	}
	return SubmitAck{
		VenueOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:       resp.Status,
	}, true, nil
}

type binanceTrade struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
}

func (b *BinanceClient) QueryFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", sym.Base+sym.Quote)
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}

	body, err := b.signedCall(ctx, http.MethodGet, "/api/v3/myTrades", params)
	if err != nil {
		return nil, err
	}

	var trades []binanceTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("decode myTrades: %w", err)
	}

	fills := make([]Fill, 0, len(trades))
	for _, t := range trades {
		price, perr := decimal.NewFromString(t.Price)
		qty, qerr := decimal.NewFromString(t.Qty)
		fee, ferr := decimal.NewFromString(t.Commission)
		if perr != nil || qerr != nil || ferr != nil {
			return nil, fmt.Errorf("unparseable trade %d", t.ID)
		}
		side := SideSell
		if t.IsBuyer {
			side = SideBuy
		}
		fills = append(fills, Fill{
			ID:        fmt.Sprintf("%s:%d", binanceName, t.ID),
			OrderID:   strconv.FormatInt(t.OrderID, 10),
			Venue:     binanceName,
			Symbol:    sym.String(),
			Side:      side,
			Quantity:  qty,
			Price:     price,
			FeeCcy:    t.CommissionAsset,
			Fee:       fee,
			Timestamp: time.UnixMilli(t.Time),
		})
	}
	return fills, nil
}

func (b *BinanceClient) QueryPositions(ctx context.Context) ([]PositionReport, error) {
	body, err := b.signedCall(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}

	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}

	reports := make([]PositionReport, 0, len(acct.Balances))
	for _, bal := range acct.Balances {
		free, ferr := decimal.NewFromString(bal.Free)
		locked, lerr := decimal.NewFromString(bal.Locked)
		if ferr != nil || lerr != nil {
			continue
		}
		total := free.Add(locked)
		if total.IsZero() {
			continue
		}
		reports = append(reports, PositionReport{Asset: bal.Asset, Qty: total})
	}
	return reports, nil
}

// signedCall signs the query string, executes the request and classifies
// failures. Timeouts and 5xx after the request was sent are ambiguous;
// failures to reach the venue at all are retryable-unavailable.
func (b *BinanceClient) signedCall(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Request may have been sent before the deadline fired.
			return nil, &AmbiguousError{Venue: binanceName, Err: err}
		}
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			return nil, &AmbiguousError{Venue: binanceName, Err: err}
		}
		return nil, &UnavailableError{Venue: binanceName, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AmbiguousError{Venue: binanceName, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500:
		// The venue may or may not have executed the request.
		return nil, &AmbiguousError{Venue: binanceName, Err: fmt.Errorf("http %d: %s", resp.StatusCode, body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &UnavailableError{Venue: binanceName, Err: fmt.Errorf("http %d: %s", resp.StatusCode, body)}
	default:
		var apiErr binanceAPIError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Msg != "" {
			return nil, &RejectionError{Venue: binanceName, VenueCode: strconv.Itoa(apiErr.Code), Message: apiErr.Msg}
		}
		return nil, &RejectionError{Venue: binanceName, VenueCode: strconv.Itoa(resp.StatusCode), Message: string(body)}
	}
}
