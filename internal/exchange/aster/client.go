package aster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"aster-rotator/internal/exchange"

	"go.uber.org/zap"
)

// Client talks to an Aster-style perpetual futures REST API (Binance fapi
// wire format: HMAC-signed query strings, numeric fields as JSON strings).
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow time.Duration
	http       *http.Client
	log        *zap.Logger
	now        func() time.Time
}

func New(baseURL, apiKey, apiSecret string, timeout, recvWindow time.Duration, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(apiSecret) == "" {
		return nil, errors.New("api key and secret are required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: recvWindow,
		http:       &http.Client{Timeout: timeout},
		log:        log,
		now:        time.Now,
	}, nil
}

func (c *Client) Positions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, err
	}
	var raw []positionRisk
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	positions := make([]exchange.Position, 0, len(raw))
	for _, p := range raw {
		pos, err := p.toPosition()
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, err
	}
	// The endpoint returns a single object when a symbol is given and a
	// list otherwise.
	if len(body) > 0 && body[0] == '[' {
		var items []premiumIndex
		if err := json.Unmarshal(body, &items); err != nil {
			return 0, fmt.Errorf("decode mark price: %w", err)
		}
		for _, item := range items {
			if item.Symbol == symbol {
				return parsePositive(item.MarkPrice, "markPrice")
			}
		}
		return 0, fmt.Errorf("symbol %s not found in mark price response", symbol)
	}
	var item premiumIndex
	if err := json.Unmarshal(body, &item); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	return parsePositive(item.MarkPrice, "markPrice")
}

func (c *Client) PlaceMarketOrder(ctx context.Context, order exchange.MarketOrder) (exchange.Fill, error) {
	if order.Quantity <= 0 {
		return exchange.Fill{}, errors.New("order quantity must be > 0")
	}
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(order.Quantity, 'f', -1, 64))
	params.Set("positionSide", string(order.PositionSide))
	params.Set("newOrderRespType", "RESULT")
	if order.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return exchange.Fill{}, err
	}
	var resp orderResult
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.Fill{}, fmt.Errorf("decode order response: %w", err)
	}
	fill, err := resp.toFill()
	if err != nil {
		return exchange.Fill{}, err
	}
	c.log.Info("order placed",
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("position_side", string(order.PositionSide)),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("avg_price", fill.AvgPrice),
		zap.String("order_id", fill.OrderID),
	)
	return fill, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	if exchange.IsAlreadySet(err) {
		c.log.Debug("leverage already set", zap.String("symbol", symbol), zap.Int("leverage", leverage))
		return nil
	}
	return err
}

func (c *Client) SetHedgeMode(ctx context.Context, enabled bool) error {
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(enabled))
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params, true)
	if exchange.IsAlreadySet(err) {
		c.log.Debug("position mode already set", zap.Bool("hedge", enabled))
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	reqURL := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, body)
	}
	return body, nil
}

func apiError(status int, body []byte) error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Code == 0 {
		return &exchange.APIError{HTTPStatus: status, Message: strings.TrimSpace(string(body))}
	}
	return &exchange.APIError{Code: payload.Code, HTTPStatus: status, Message: payload.Msg}
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
}

func (p positionRisk) toPosition() (exchange.Position, error) {
	amount, err := parseFloat(p.PositionAmt, "positionAmt")
	if err != nil {
		return exchange.Position{}, err
	}
	entry, err := parseFloat(p.EntryPrice, "entryPrice")
	if err != nil {
		return exchange.Position{}, err
	}
	pnl, err := parseFloat(p.UnRealizedProfit, "unRealizedProfit")
	if err != nil {
		return exchange.Position{}, err
	}
	return exchange.Position{
		Symbol:        p.Symbol,
		Side:          exchange.PositionSide(p.PositionSide),
		Amount:        amount,
		EntryPrice:    entry,
		UnrealizedPnL: pnl,
	}, nil
}

type premiumIndex struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

type orderResult struct {
	OrderID      json.Number `json:"orderId"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	PositionSide string      `json:"positionSide"`
	Status       string      `json:"status"`
	ExecutedQty  string      `json:"executedQty"`
	AvgPrice     string      `json:"avgPrice"`
	RealizedPnL  string      `json:"realizedPnl"`
	Commission   string      `json:"commission"`
}

func (o orderResult) toFill() (exchange.Fill, error) {
	qty, err := parseFloat(o.ExecutedQty, "executedQty")
	if err != nil {
		return exchange.Fill{}, err
	}
	price, err := parseFloat(o.AvgPrice, "avgPrice")
	if err != nil {
		return exchange.Fill{}, err
	}
	fill := exchange.Fill{
		OrderID:      o.OrderID.String(),
		Symbol:       o.Symbol,
		Side:         exchange.Side(o.Side),
		PositionSide: exchange.PositionSide(o.PositionSide),
		Quantity:     qty,
		AvgPrice:     price,
		Status:       o.Status,
	}
	if o.RealizedPnL != "" {
		if fill.RealizedPnL, err = parseFloat(o.RealizedPnL, "realizedPnl"); err != nil {
			return exchange.Fill{}, err
		}
	}
	if o.Commission != "" {
		if fill.Commission, err = parseFloat(o.Commission, "commission"); err != nil {
			return exchange.Fill{}, err
		}
	}
	return fill, nil
}

func parseFloat(raw, field string) (float64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, raw, err)
	}
	return val, nil
}

func parsePositive(raw, field string) (float64, error) {
	val, err := parseFloat(raw, field)
	if err != nil {
		return 0, err
	}
	if val <= 0 {
		return 0, fmt.Errorf("%s must be > 0, got %f", field, val)
	}
	return val, nil
}
