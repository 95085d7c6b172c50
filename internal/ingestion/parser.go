package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"BlueLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// ParseRawEvent converts a RawEvent into a typed event.Event. The event kind
// is the third subject token: blue.events.{kind}.{market_id}.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	kind, err := eventKind(raw.Subject)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "create_market":
		return parseCreateMarket(raw.Data)
	case "supply_collateral":
		return parseSupplyCollateral(raw.Data)
	case "withdraw_collateral":
		return parseWithdrawCollateral(raw.Data)
	case "supply":
		return parseSupply(raw.Data)
	case "borrow":
		return parseBorrow(raw.Data)
	case "repay":
		return parseRepay(raw.Data)
	case "accrue_interest":
		return parseAccrueInterest(raw.Data)
	case "liquidate":
		return parseLiquidate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event kind: %s", kind)
	}
}

func eventKind(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "blue" || parts[1] != "events" {
		return "", fmt.Errorf("malformed subject: %s", subject)
	}
	return parts[2], nil
}

// --- JSON wire formats ---
// Amounts are decimal strings: chain amounts are 256-bit and do not fit in
// JSON numbers. Addresses and ids are 0x-prefixed hex.

type blockJSON struct {
	BlockNumber    uint64 `json:"block_number"`
	BlockTimestamp uint64 `json:"block_timestamp"`
	LogIndex       uint32 `json:"log_index"`
}

func (b blockJSON) ref() event.BlockRef {
	return event.BlockRef{Number: b.BlockNumber, Timestamp: b.BlockTimestamp, LogIndex: b.LogIndex}
}

func parseBigInt(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: empty", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: not a decimal integer: %q", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("parse %s: negative amount: %q", field, s)
	}
	return v, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: not an address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseMarketID(s string) (common.Hash, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("parse market_id: want 32 bytes, got %q", s)
	}
	return common.BytesToHash(b), nil
}

type createMarketJSON struct {
	blockJSON
	MarketID        string `json:"market_id"`
	LoanToken       string `json:"loan_token"`
	CollateralToken string `json:"collateral_token"`
	Oracle          string `json:"oracle"`
	IRM             string `json:"irm"`
	LLTV            string `json:"lltv"`
}

func parseCreateMarket(data []byte) (*event.CreateMarket, error) {
	var j createMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateMarket: %w", err)
	}

	marketID, err := parseMarketID(j.MarketID)
	if err != nil {
		return nil, err
	}
	loanToken, err := parseAddress("loan_token", j.LoanToken)
	if err != nil {
		return nil, err
	}
	collateralToken, err := parseAddress("collateral_token", j.CollateralToken)
	if err != nil {
		return nil, err
	}
	oracle, err := parseAddress("oracle", j.Oracle)
	if err != nil {
		return nil, err
	}
	irm, err := parseAddress("irm", j.IRM)
	if err != nil {
		return nil, err
	}
	lltv, err := parseBigInt("lltv", j.LLTV)
	if err != nil {
		return nil, err
	}

	return &event.CreateMarket{
		MarketID:        marketID,
		LoanToken:       loanToken,
		CollateralToken: collateralToken,
		Oracle:          oracle,
		IRM:             irm,
		LLTV:            lltv,
		BlockRef:        j.ref(),
	}, nil
}

type collateralJSON struct {
	blockJSON
	MarketID string `json:"market_id"`
	Borrower string `json:"borrower"`
	Assets   string `json:"assets"`
}

func parseSupplyCollateral(data []byte) (*event.SupplyCollateral, error) {
	var j collateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SupplyCollateral: %w", err)
	}
	marketID, borrower, assets, err := j.fields()
	if err != nil {
		return nil, err
	}
	return &event.SupplyCollateral{
		MarketID: marketID,
		Borrower: borrower,
		Assets:   assets,
		BlockRef: j.ref(),
	}, nil
}

func parseWithdrawCollateral(data []byte) (*event.WithdrawCollateral, error) {
	var j collateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawCollateral: %w", err)
	}
	marketID, borrower, assets, err := j.fields()
	if err != nil {
		return nil, err
	}
	return &event.WithdrawCollateral{
		MarketID: marketID,
		Borrower: borrower,
		Assets:   assets,
		BlockRef: j.ref(),
	}, nil
}

func (j collateralJSON) fields() (common.Hash, common.Address, *big.Int, error) {
	marketID, err := parseMarketID(j.MarketID)
	if err != nil {
		return common.Hash{}, common.Address{}, nil, err
	}
	borrower, err := parseAddress("borrower", j.Borrower)
	if err != nil {
		return common.Hash{}, common.Address{}, nil, err
	}
	assets, err := parseBigInt("assets", j.Assets)
	if err != nil {
		return common.Hash{}, common.Address{}, nil, err
	}
	return marketID, borrower, assets, nil
}

type supplyJSON struct {
	blockJSON
	MarketID string `json:"market_id"`
	Supplier string `json:"supplier"`
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
}

func parseSupply(data []byte) (*event.Supply, error) {
	var j supplyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Supply: %w", err)
	}
	marketID, err := parseMarketID(j.MarketID)
	if err != nil {
		return nil, err
	}
	supplier, err := parseAddress("supplier", j.Supplier)
	if err != nil {
		return nil, err
	}
	assets, err := parseBigInt("assets", j.Assets)
	if err != nil {
		return nil, err
	}
	shares, err := parseBigInt("shares", j.Shares)
	if err != nil {
		return nil, err
	}
	return &event.Supply{
		MarketID: marketID,
		Supplier: supplier,
		Assets:   assets,
		Shares:   shares,
		BlockRef: j.ref(),
	}, nil
}

type debtJSON struct {
	blockJSON
	MarketID string `json:"market_id"`
	Borrower string `json:"borrower"`
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
}

func (j debtJSON) fields() (common.Hash, common.Address, *big.Int, *big.Int, error) {
	marketID, err := parseMarketID(j.MarketID)
	if err != nil {
		return common.Hash{}, common.Address{}, nil, nil, err
	}
	borrower, err := parseAddress("borrower", j.Borrower)
	if err != nil {
		return common.Hash{}, common.Address{}, nil, nil, err
	}
	assets, err := parseBigInt("assets", j.Assets)
	if err != nil {
		return common.Hash{}, common.Address{}, nil, nil, err
	}
	shares, err := parseBigInt("shares", j.Shares)
	if err != nil {
		return common.Hash{}, common.Address{}, nil, nil, err
	}
	return marketID, borrower, assets, shares, nil
}

func parseBorrow(data []byte) (*event.Borrow, error) {
	var j debtJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Borrow: %w", err)
	}
	marketID, borrower, assets, shares, err := j.fields()
	if err != nil {
		return nil, err
	}
	return &event.Borrow{
		MarketID: marketID,
		Borrower: borrower,
		Assets:   assets,
		Shares:   shares,
		BlockRef: j.ref(),
	}, nil
}

func parseRepay(data []byte) (*event.Repay, error) {
	var j debtJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Repay: %w", err)
	}
	marketID, borrower, assets, shares, err := j.fields()
	if err != nil {
		return nil, err
	}
	return &event.Repay{
		MarketID: marketID,
		Borrower: borrower,
		Assets:   assets,
		Shares:   shares,
		BlockRef: j.ref(),
	}, nil
}

type accrueInterestJSON struct {
	blockJSON
	MarketID  string `json:"market_id"`
	Interest  string `json:"interest"`
	FeeShares string `json:"fee_shares"`
}

func parseAccrueInterest(data []byte) (*event.AccrueInterest, error) {
	var j accrueInterestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AccrueInterest: %w", err)
	}
	marketID, err := parseMarketID(j.MarketID)
	if err != nil {
		return nil, err
	}
	interest, err := parseBigInt("interest", j.Interest)
	if err != nil {
		return nil, err
	}
	feeShares, err := parseBigInt("fee_shares", j.FeeShares)
	if err != nil {
		return nil, err
	}
	return &event.AccrueInterest{
		MarketID:  marketID,
		Interest:  interest,
		FeeShares: feeShares,
		BlockRef:  j.ref(),
	}, nil
}

type liquidateJSON struct {
	blockJSON
	MarketID      string `json:"market_id"`
	Borrower      string `json:"borrower"`
	Liquidator    string `json:"liquidator"`
	RepaidAssets  string `json:"repaid_assets"`
	RepaidShares  string `json:"repaid_shares"`
	SeizedAssets  string `json:"seized_assets"`
	BadDebtAssets string `json:"bad_debt_assets"`
	BadDebtShares string `json:"bad_debt_shares"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}

	marketID, err := parseMarketID(j.MarketID)
	if err != nil {
		return nil, err
	}
	borrower, err := parseAddress("borrower", j.Borrower)
	if err != nil {
		return nil, err
	}
	liquidator, err := parseAddress("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}

	amounts := make(map[string]*big.Int, 5)
	for field, s := range map[string]string{
		"repaid_assets":   j.RepaidAssets,
		"repaid_shares":   j.RepaidShares,
		"seized_assets":   j.SeizedAssets,
		"bad_debt_assets": j.BadDebtAssets,
		"bad_debt_shares": j.BadDebtShares,
	} {
		v, err := parseBigInt(field, s)
		if err != nil {
			return nil, err
		}
		amounts[field] = v
	}

	return &event.Liquidate{
		MarketID:      marketID,
		Borrower:      borrower,
		Liquidator:    liquidator,
		RepaidAssets:  amounts["repaid_assets"],
		RepaidShares:  amounts["repaid_shares"],
		SeizedAssets:  amounts["seized_assets"],
		BadDebtAssets: amounts["bad_debt_assets"],
		BadDebtShares: amounts["bad_debt_shares"],
		BlockRef:      j.ref(),
	}, nil
}

// BlockTick is the payload on blue.blocks.{chain_id}: a new block is final
// and ready for price sampling and a risk scan.
type BlockTick struct {
	BlockNumber uint64 `json:"block_number"`
	Timestamp   uint64 `json:"timestamp"`
}

func ParseBlockTick(data []byte) (BlockTick, error) {
	var tick BlockTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return BlockTick{}, fmt.Errorf("parse block tick: %w", err)
	}
	if tick.BlockNumber == 0 {
		return BlockTick{}, fmt.Errorf("block tick missing block_number")
	}
	return tick, nil
}
