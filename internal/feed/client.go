package feed

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
)

// Client streams trade prices over a polygon-shaped websocket feed.
type Client struct {
	wss    *ws.WebSocket
	apiKey string
}

// NewClient prepares a client against the feed URL.
func NewClient(ctx context.Context, url, apiKey string) *Client {
	return &Client{
		wss:    ws.New(ctx, url),
		apiKey: apiKey,
	}
}

// Close tears the stream down.
func (c *Client) Close() {
	c.wss.Close()
}

// Start opens the stream and authenticates.
func (c *Client) Start(ctx context.Context) error {
	if err := c.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}
	if err := c.authenticate(ctx); err != nil {
		return errors.Wrap(err, "authenticate")
	}
	return nil
}

type controlRequest struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

type statusEvent struct {
	Ev      string `json:"ev"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) authenticate(ctx context.Context) error {
	if err := c.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			payload := controlRequest{Action: "auth", Params: c.apiKey}
			if err := client.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write auth payload")
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var events []statusEvent
			if err := m.Unmarshal(&events); err != nil {
				return false, nil
			}
			for _, e := range events {
				if e.Ev != "status" {
					continue
				}
				switch e.Status {
				case "auth_success":
					return true, nil
				case "auth_failed":
					return false, errors.Errorf("auth failed: %s", e.Message)
				}
			}
			return false, nil
		},
	}); err != nil {
		return errors.Wrap(err, "send and wait")
	}
	return nil
}

// SubscribeTrades registers the trade stream for the given symbols.
func (c *Client) SubscribeTrades(ctx context.Context, symbols []string) error {
	topics := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		topics = append(topics, "T."+strings.ToUpper(symbol))
	}

	if err := c.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			payload := controlRequest{Action: "subscribe", Params: strings.Join(topics, ",")}
			if err := client.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var events []statusEvent
			if err := m.Unmarshal(&events); err != nil {
				return false, nil
			}
			for _, e := range events {
				if e.Ev == "status" && strings.HasPrefix(e.Status, "success") {
					return true, nil
				}
			}
			return false, nil
		},
	}); err != nil {
		return errors.Wrap(err, "send and wait")
	}
	return nil
}

// Trade is one tick pushed by the feed.
type Trade struct {
	Ev     string  `json:"ev"`
	Symbol string  `json:"sym"`
	Price  float64 `json:"p"`
	TsUnix int64   `json:"t"`
}

// ObserveTrades pumps trade prices into the handler until the context ends.
func (c *Client) ObserveTrades(ctx context.Context, handler func(symbol string, price decimal.Decimal)) (unsubscribe func()) {
	ch, cancel := c.wss.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				var trades []Trade
				if err := m.Unmarshal(&trades); err != nil {
					logs.Errorf("unmarshal trade frame, err: %+v", err)
					continue
				}

				for _, t := range trades {
					if t.Ev != "T" || t.Symbol == "" {
						continue
					}
					handler(t.Symbol, decimal.NewFromFloat(t.Price))
				}
			}
		}
	}()

	return cancel
}
