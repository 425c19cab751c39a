package bankaccount

import "github.com/shopspring/decimal"

// Event type names stored on domain.Event.EventType and registered with
// a codec.JSONCodec via codec.Register.
const (
	EventAccountOpened   = "bankaccount.opened"
	EventMoneyDeposited  = "bankaccount.deposited"
	EventMoneyWithdrawn  = "bankaccount.withdrawn"
	EventAccountFrozen   = "bankaccount.frozen"
	EventAccountUnfrozen = "bankaccount.unfrozen"
	EventAccountClosed   = "bankaccount.closed"
)

// AccountOpened is the payload of EventAccountOpened.
type AccountOpened struct {
	AccountNumber  string          `json:"accountNumber"`
	AccountType    AccountType     `json:"accountType"`
	CustomerID     string          `json:"customerId"`
	InitialDeposit decimal.Decimal `json:"initialDeposit"`
	Currency       string          `json:"currency"`
}

// MoneyDeposited is the payload of EventMoneyDeposited.
type MoneyDeposited struct {
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

// MoneyWithdrawn is the payload of EventMoneyWithdrawn.
type MoneyWithdrawn struct {
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

// AccountFrozen is the payload of EventAccountFrozen.
type AccountFrozen struct {
	Reason string `json:"reason"`
}

// AccountUnfrozen is the payload of EventAccountUnfrozen. It carries no
// fields of its own; the act of unfreezing is the whole fact.
type AccountUnfrozen struct{}

// AccountClosed is the payload of EventAccountClosed.
type AccountClosed struct {
	FinalBalance decimal.Decimal `json:"finalBalance"`
}
