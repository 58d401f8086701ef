package config_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"marginledger/internal/config"
	"marginledger/internal/wad"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PrimarySymbol != "UA" || cfg.PrimaryDecimals != 6 {
		t.Fatalf("primary = %s/%d, want UA/6", cfg.PrimarySymbol, cfg.PrimaryDecimals)
	}
	if cfg.OracleHeartbeat != time.Minute {
		t.Fatalf("heartbeat = %s, want 1m", cfg.OracleHeartbeat)
	}
	if cfg.Risk.MinMargin.Cmp(wad.MustParse("0.025")) != 0 {
		t.Fatalf("min margin = %s", wad.String(cfg.Risk.MinMargin))
	}
	if cfg.Risk.MinMarginAtCreation.Cmp(wad.MustParse("0.055")) != 0 {
		t.Fatalf("min margin at creation = %s", wad.String(cfg.Risk.MinMarginAtCreation))
	}
	if cfg.Risk.UADebtSeizureThreshold.Cmp(wad.FromInt(10_000)) != 0 {
		t.Fatalf("seizure threshold = %s", wad.String(cfg.Risk.UADebtSeizureThreshold))
	}
	if len(cfg.Governors) != 0 {
		t.Fatalf("governors = %v, want none", cfg.Governors)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MLEDGER_MIN_MARGIN", "0.03")
	t.Setenv("MLEDGER_ORACLE_HEARTBEAT_SECONDS", "15")
	t.Setenv("MLEDGER_PRIMARY_SYMBOL", "USDC")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Risk.MinMargin.Cmp(wad.MustParse("0.03")) != 0 {
		t.Fatalf("min margin = %s, want 0.03", wad.String(cfg.Risk.MinMargin))
	}
	if cfg.OracleHeartbeat != 15*time.Second {
		t.Fatalf("heartbeat = %s, want 15s", cfg.OracleHeartbeat)
	}
	if cfg.PrimarySymbol != "USDC" {
		t.Fatalf("primary symbol = %s, want USDC", cfg.PrimarySymbol)
	}
}

func TestLoad_BadRiskValue(t *testing.T) {
	t.Setenv("MLEDGER_INSURANCE_SHARE", "not-a-number")
	if _, err := config.Load(); err == nil {
		t.Fatal("malformed risk parameter accepted")
	}
}

func TestLoad_Governors(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	t.Setenv("MLEDGER_GOVERNORS", a.String()+", "+b.String())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Governors) != 2 || cfg.Governors[0] != a || cfg.Governors[1] != b {
		t.Fatalf("governors = %v, want [%s %s]", cfg.Governors, a, b)
	}
}

func TestLoad_BadGovernor(t *testing.T) {
	t.Setenv("MLEDGER_GOVERNORS", "not-a-uuid")
	if _, err := config.Load(); err == nil {
		t.Fatal("malformed governor accepted")
	}
}
