package bankaccount

import "github.com/ledgerforge/eventledger/pkg/codec"

// RegisterCodec associates every bankaccount event type with its payload
// type on c, so DecodeEvent can materialize concrete Go values on load
// instead of falling back to a domain.GenericEventCarrier.
func RegisterCodec(c *codec.JSONCodec) {
	codec.Register[AccountOpened](c, EventAccountOpened)
	codec.Register[MoneyDeposited](c, EventMoneyDeposited)
	codec.Register[MoneyWithdrawn](c, EventMoneyWithdrawn)
	codec.Register[AccountFrozen](c, EventAccountFrozen)
	codec.Register[AccountUnfrozen](c, EventAccountUnfrozen)
	codec.Register[AccountClosed](c, EventAccountClosed)
}
