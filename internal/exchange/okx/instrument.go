package okx

import (
	"github.com/shopspring/decimal"

	"okx-driver/internal/core"
)

type ContractType string

const (
	// Linear: contract value currency is the base asset, settles in quote.
	Linear ContractType = "linear"
	// Inverse: contract value currency is the quote asset, settles in base.
	Inverse ContractType = "inverse"
)

// Instrument is one tradable venue instrument, keyed by the opaque
// exchange-assigned instrument id. Immutable once constructed.
type Instrument struct {
	ID   string
	Kind core.InstrumentKind

	// Spot fields.
	Base  core.Asset
	Quote core.Asset

	// Perpetual swap fields.
	SettleAsset        core.Asset
	ContractValueAsset core.Asset
	ContractType       ContractType
	ContractValue      decimal.Decimal
}

// MatchesPair reports whether the instrument trades the internal pair. The
// base/quote role swap between linear and inverse contracts reflects the
// inverse contract's quoting convention.
func (i Instrument) MatchesPair(p core.Pair) bool {
	switch i.Kind {
	case core.Spot:
		return p.Kind == core.Spot && i.Base == p.Base && i.Quote == p.Quote
	case core.FuturePerpetual:
		if p.Kind != core.FuturePerpetual {
			return false
		}
		switch i.ContractType {
		case Linear:
			return i.ContractValueAsset == p.Base && i.SettleAsset == p.Quote
		case Inverse:
			return i.SettleAsset == p.Base && i.ContractValueAsset == p.Quote
		}
	}
	return false
}

// ExchangeSize converts an internal base-asset order amount to the venue's
// contract-count sizing. ok is false when the instrument cannot size the
// order (zero contract value); callers must not treat that as zero.
func (i Instrument) ExchangeSize(amount, price decimal.Decimal) (decimal.Decimal, bool) {
	switch i.Kind {
	case core.Spot:
		return amount, true
	case core.FuturePerpetual:
		if i.ContractValue.IsZero() {
			return decimal.Decimal{}, false
		}
		switch i.ContractType {
		case Linear:
			return amount.Div(i.ContractValue), true
		case Inverse:
			return amount.Mul(price).Div(i.ContractValue), true
		}
	}
	return decimal.Decimal{}, false
}

// InternalAmount converts a venue contract count back to the internal
// base-asset amount. ok is false for an inverse contract at zero price.
func (i Instrument) InternalAmount(size, price decimal.Decimal) (decimal.Decimal, bool) {
	switch i.Kind {
	case core.Spot:
		return size, true
	case core.FuturePerpetual:
		switch i.ContractType {
		case Linear:
			return size.Mul(i.ContractValue), true
		case Inverse:
			if price.IsZero() {
				return decimal.Decimal{}, false
			}
			return size.Mul(i.ContractValue).Div(price), true
		}
	}
	return decimal.Decimal{}, false
}

// InstrumentConverter holds the bidirectional instrument-id <-> pair table.
// Built once at construction from the configured pairs and the venue's
// instrument set; read-only afterwards.
type InstrumentConverter struct {
	instType string
	byID     map[string]core.Pair
	byPair   map[core.Pair]Instrument
}

func NewInstrumentConverter(instType string, instruments []Instrument, pairs []core.Pair) *InstrumentConverter {
	conv := &InstrumentConverter{
		instType: instType,
		byID:     make(map[string]core.Pair, len(pairs)),
		byPair:   make(map[core.Pair]Instrument, len(pairs)),
	}
	for _, pair := range pairs {
		for _, inst := range instruments {
			if inst.MatchesPair(pair) {
				conv.byID[inst.ID] = pair
				conv.byPair[pair] = inst
				break
			}
		}
	}
	return conv
}

// InstrumentType returns the venue instrument-type token ("SPOT" or "SWAP")
// this converter was built for.
func (c *InstrumentConverter) InstrumentType() string { return c.instType }

// FindInstrument looks up the venue instrument for an internal pair. Absence
// means the venue instrument set does not cover the pair; callers surface
// core.ErrNotSupportedSymbol, never silently skip.
func (c *InstrumentConverter) FindInstrument(pair core.Pair) (Instrument, bool) {
	inst, ok := c.byPair[pair]
	return inst, ok
}

func (c *InstrumentConverter) FindPair(instID string) (core.Pair, bool) {
	pair, ok := c.byID[instID]
	return pair, ok
}
