package pricefeed

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marginledger/internal/wad"
)

func TestPrice_Unknown(t *testing.T) {
	f := New(time.Minute, zerolog.Nop())
	if _, err := f.Price("WETH"); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err = %v, want ErrNoPrice", err)
	}
}

func TestPrice_FreshAndStale(t *testing.T) {
	f := New(time.Minute, zerolog.Nop())
	base := time.Unix(1_700_000_000, 0)
	f.now = func() time.Time { return base }
	f.Set("WETH", wad.FromInt(2000))

	f.now = func() time.Time { return base.Add(time.Minute) }
	got, err := f.Price("WETH")
	if err != nil {
		t.Fatalf("price at heartbeat edge: %v", err)
	}
	if got.Cmp(wad.FromInt(2000)) != 0 {
		t.Fatalf("price = %s, want 2000", wad.String(got))
	}

	f.now = func() time.Time { return base.Add(time.Minute + time.Second) }
	if _, err := f.Price("WETH"); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("err = %v, want ErrStalePrice", err)
	}
}

func TestPrice_ZeroHeartbeatNeverExpires(t *testing.T) {
	f := New(0, zerolog.Nop())
	base := time.Unix(1_700_000_000, 0)
	f.now = func() time.Time { return base }
	f.Set("WETH", wad.FromInt(2000))

	f.now = func() time.Time { return base.Add(24 * time.Hour) }
	if _, err := f.Price("WETH"); err != nil {
		t.Fatalf("zero heartbeat expired quote: %v", err)
	}
}

func TestSet_LatestWins(t *testing.T) {
	f := New(time.Minute, zerolog.Nop())
	f.Set("WETH", wad.FromInt(2000))
	f.Set("WETH", wad.FromInt(2100))
	got, err := f.Price("WETH")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if got.Cmp(wad.FromInt(2100)) != 0 {
		t.Fatalf("price = %s, want 2100", wad.String(got))
	}
}
