// Package pricefeed consumes oracle price updates from NATS and serves
// them to the ledger. A price older than the heartbeat is treated as
// stale and refused, so reserve valuations never run on a dead feed.
package pricefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"marginledger/internal/wad"
)

var (
	ErrNoPrice    = errors.New("pricefeed: no price for symbol")
	ErrStalePrice = errors.New("pricefeed: price past heartbeat")
)

// priceUpdate is the wire format on mledger.prices.{symbol}.
type priceUpdate struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"` // decimal string, USD per whole unit
}

type quote struct {
	price      *big.Int
	receivedAt time.Time
}

// Feed implements ledger.Oracle over a NATS subscription.
type Feed struct {
	mu        sync.RWMutex
	quotes    map[string]quote
	heartbeat time.Duration
	now       func() time.Time
	log       zerolog.Logger
	sub       *nats.Subscription
}

func New(heartbeat time.Duration, log zerolog.Logger) *Feed {
	return &Feed{
		quotes:    make(map[string]quote),
		heartbeat: heartbeat,
		now:       time.Now,
		log:       log,
	}
}

// Subscribe starts consuming price updates. Malformed or non-positive
// updates are logged and dropped; the previous quote stays in place
// until the heartbeat expires it.
func (f *Feed) Subscribe(nc *nats.Conn) error {
	sub, err := nc.Subscribe("mledger.prices.>", func(msg *nats.Msg) {
		var upd priceUpdate
		if err := json.Unmarshal(msg.Data, &upd); err != nil {
			f.log.Warn().Str("subject", msg.Subject).Err(err).Msg("bad price update")
			return
		}
		price, err := wad.ParseDecimal(upd.Price)
		if err != nil || price.Sign() <= 0 {
			f.log.Warn().Str("symbol", upd.Symbol).Str("price", upd.Price).Msg("unusable price update")
			return
		}
		f.Set(upd.Symbol, price)
	})
	if err != nil {
		return fmt.Errorf("subscribe prices: %w", err)
	}
	f.sub = sub
	return nil
}

// Set records a quote directly. Exposed for wiring and tests.
func (f *Feed) Set(symbol string, price *big.Int) {
	f.mu.Lock()
	f.quotes[symbol] = quote{price: new(big.Int).Set(price), receivedAt: f.now()}
	f.mu.Unlock()
}

// Price returns the USD price of one whole unit of the asset as a wad.
func (f *Feed) Price(symbol string) (*big.Int, error) {
	f.mu.RLock()
	q, ok := f.quotes[symbol]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	if f.heartbeat > 0 && f.now().Sub(q.receivedAt) > f.heartbeat {
		return nil, fmt.Errorf("%w: %s last seen %s ago", ErrStalePrice, symbol, f.now().Sub(q.receivedAt))
	}
	return new(big.Int).Set(q.price), nil
}

// Stop unsubscribes from the price subject.
func (f *Feed) Stop() {
	if f.sub != nil {
		f.sub.Unsubscribe()
	}
}
