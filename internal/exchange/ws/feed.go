package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Feed subscribes to the exchange mark-price stream for one symbol and keeps
// the latest price in memory. Consumers fall back to REST when the cached
// price is stale.
type Feed struct {
	url            string
	symbol         string
	reconnectDelay time.Duration
	log            *zap.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	price     float64
	updatedAt time.Time
}

func NewFeed(streamURL, symbol string, reconnectDelay time.Duration, log *zap.Logger) *Feed {
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	return &Feed{
		url:            strings.TrimRight(streamURL, "/") + "/ws/" + strings.ToLower(symbol) + "@markPrice",
		symbol:         symbol,
		reconnectDelay: reconnectDelay,
		log:            log,
	}
}

// Price returns the last streamed mark price and its receive time.
func (f *Feed) Price() (float64, time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price <= 0 {
		return 0, time.Time{}, false
	}
	return f.price, f.updatedAt, true
}

func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("mark price stream connect failed", zap.Error(err))
		} else {
			err := f.readLoop(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logReadLoopError(err)
			f.resetConn()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.conn = conn
	return nil
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.handle(data)
	}
}

type markPriceEvent struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

func (f *Feed) handle(data []byte) {
	var event markPriceEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	if event.Event != "markPriceUpdate" || !strings.EqualFold(event.Symbol, f.symbol) {
		return
	}
	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil || price <= 0 {
		return
	}
	f.mu.Lock()
	f.price = price
	f.updatedAt = time.Now().UTC()
	f.mu.Unlock()
}

func (f *Feed) logReadLoopError(err error) {
	if f.log == nil || err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		f.log.Info("mark price stream closed", zap.Error(err))
		return
	}
	f.log.Warn("mark price stream read failed", zap.Error(err))
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}
