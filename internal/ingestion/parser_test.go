package ingestion_test

import (
	"testing"

	"BlueLedger/internal/event"
	"BlueLedger/internal/ingestion"

	"github.com/ethereum/go-ethereum/common"
)

const (
	testMarketHex   = "0x1111111111111111111111111111111111111111111111111111111111111111"
	testBorrowerHex = "0x2222222222222222222222222222222222222222"
)

func TestParseRawEvent_CreateMarket(t *testing.T) {
	raw := ingestion.RawEvent{
		Subject: "blue.events.create_market." + testMarketHex,
		Data: []byte(`{
			"market_id": "` + testMarketHex + `",
			"loan_token": "0x3333333333333333333333333333333333333333",
			"collateral_token": "0x4444444444444444444444444444444444444444",
			"oracle": "0x5555555555555555555555555555555555555555",
			"irm": "0x6666666666666666666666666666666666666666",
			"lltv": "800000000000000000",
			"block_number": 100,
			"block_timestamp": 1700000000,
			"log_index": 3
		}`),
	}

	evt, err := ingestion.ParseRawEvent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cm, ok := evt.(*event.CreateMarket)
	if !ok {
		t.Fatalf("got %T, want *event.CreateMarket", evt)
	}
	if cm.MarketID != common.HexToHash(testMarketHex) {
		t.Errorf("market id = %s", cm.MarketID)
	}
	if cm.LLTV.String() != "800000000000000000" {
		t.Errorf("lltv = %s", cm.LLTV)
	}
	if cm.BlockRef.Number != 100 || cm.BlockRef.LogIndex != 3 {
		t.Errorf("block ref = %+v", cm.BlockRef)
	}
	if cm.IdempotencyKey() != "CreateMarket:100:3" {
		t.Errorf("idempotency key = %s", cm.IdempotencyKey())
	}
}

func TestParseRawEvent_Borrow256Bit(t *testing.T) {
	// An amount beyond uint64 must survive the decimal-string wire format.
	huge := "340282366920938463463374607431768211456" // 2^128
	raw := ingestion.RawEvent{
		Subject: "blue.events.borrow." + testMarketHex,
		Data: []byte(`{
			"market_id": "` + testMarketHex + `",
			"borrower": "` + testBorrowerHex + `",
			"assets": "` + huge + `",
			"shares": "1000",
			"block_number": 200,
			"block_timestamp": 1700000100,
			"log_index": 0
		}`),
	}

	evt, err := ingestion.ParseRawEvent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b := evt.(*event.Borrow)
	if b.Assets.String() != huge {
		t.Errorf("assets = %s, want %s", b.Assets, huge)
	}
	if b.Borrower != common.HexToAddress(testBorrowerHex) {
		t.Errorf("borrower = %s", b.Borrower)
	}
}

func TestParseRawEvent_Liquidate(t *testing.T) {
	raw := ingestion.RawEvent{
		Subject: "blue.events.liquidate." + testMarketHex,
		Data: []byte(`{
			"market_id": "` + testMarketHex + `",
			"borrower": "` + testBorrowerHex + `",
			"liquidator": "0x7777777777777777777777777777777777777777",
			"repaid_assets": "55",
			"repaid_shares": "50",
			"seized_assets": "200",
			"bad_debt_assets": "11",
			"bad_debt_shares": "10",
			"block_number": 300,
			"block_timestamp": 1700000200,
			"log_index": 7
		}`),
	}

	evt, err := ingestion.ParseRawEvent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	l := evt.(*event.Liquidate)
	if l.RepaidShares.Int64() != 50 || l.BadDebtShares.Int64() != 10 || l.SeizedAssets.Int64() != 200 {
		t.Errorf("amounts = repaid %s baddebt %s seized %s", l.RepaidShares, l.BadDebtShares, l.SeizedAssets)
	}
}

func TestParseRawEvent_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
	}{
		{"unknown kind", "blue.events.flash_loan.x", `{}`},
		{"malformed subject", "perp.trades.BTC", `{}`},
		{"bad json", "blue.events.supply.x", `{`},
		{"short market id", "blue.events.supply.x",
			`{"market_id":"0x1234","supplier":"` + testBorrowerHex + `","assets":"1","shares":"1"}`},
		{"bad address", "blue.events.supply.x",
			`{"market_id":"` + testMarketHex + `","supplier":"bob","assets":"1","shares":"1"}`},
		{"non-decimal amount", "blue.events.supply.x",
			`{"market_id":"` + testMarketHex + `","supplier":"` + testBorrowerHex + `","assets":"0xff","shares":"1"}`},
		{"negative amount", "blue.events.supply.x",
			`{"market_id":"` + testMarketHex + `","supplier":"` + testBorrowerHex + `","assets":"-5","shares":"1"}`},
		{"empty amount", "blue.events.accrue_interest.x",
			`{"market_id":"` + testMarketHex + `","interest":"1","fee_shares":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: tt.subject, Data: []byte(tt.data)})
			if err == nil {
				t.Error("expected a parse error")
			}
		})
	}
}

func TestParseBlockTick(t *testing.T) {
	tick, err := ingestion.ParseBlockTick([]byte(`{"block_number": 500, "timestamp": 1700000000}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tick.BlockNumber != 500 || tick.Timestamp != 1700000000 {
		t.Errorf("tick = %+v", tick)
	}

	if _, err := ingestion.ParseBlockTick([]byte(`{"timestamp": 1}`)); err == nil {
		t.Error("missing block_number must be rejected")
	}
	if _, err := ingestion.ParseBlockTick([]byte(`not json`)); err == nil {
		t.Error("bad json must be rejected")
	}
}
