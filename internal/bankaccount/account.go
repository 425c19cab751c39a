// Package bankaccount is a worked example aggregate exercising the
// write path end to end: opening an account, depositing and
// withdrawing funds under optimistic concurrency, freezing/unfreezing,
// and time-travel reconstruction.
//
// Event application runs through a HandlerTable-driven ApplyChange,
// with shopspring/decimal for exact balance arithmetic.
package bankaccount

import (
	"fmt"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/eventsourcing"
	"github.com/ledgerforge/eventledger/pkg/validators"
	"github.com/shopspring/decimal"
)

// AggregateType identifies this aggregate in the event store and in
// logging/tracing attributes.
const AggregateType = "bankaccount.Account"

// AccountNumberIndex is the unique-constraint index under which each
// open account claims its account number. The claim is released again
// when the account closes.
const AccountNumberIndex = "bankaccount.account_number"

type AccountType string

const (
	Checking AccountType = "CHECKING"
	Savings  AccountType = "SAVINGS"
)

type AccountStatus string

const (
	StatusOpen   AccountStatus = "OPEN"
	StatusFrozen AccountStatus = "FROZEN"
	StatusClosed AccountStatus = "CLOSED"
)

// Account is a bank account aggregate: balance, status, and the owning
// customer, reconstructed entirely from its event history.
type Account struct {
	domain.AggregateRoot

	accountNumber string
	accountType   AccountType
	customerID    string
	currency      string
	balance       decimal.Decimal
	status        AccountStatus
	freezeReason  string
}

// NewAccount constructs the zero-value aggregate a Repository factory
// hands to Load before replay, or that a caller hands to Open to create
// a brand-new account.
func NewAccount(id string) *Account {
	return &Account{AggregateRoot: domain.NewAggregateRoot(id, AggregateType)}
}

func (a *Account) AccountNumber() string        { return a.accountNumber }
func (a *Account) AccountTypeValue() AccountType { return a.accountType }
func (a *Account) CustomerID() string           { return a.customerID }
func (a *Account) Currency() string             { return a.currency }
func (a *Account) Balance() decimal.Decimal     { return a.balance }
func (a *Account) Status() AccountStatus        { return a.status }
func (a *Account) FreezeReason() string         { return a.freezeReason }

var accountHandlers = eventsourcing.NewHandlerTable[*Account](AggregateType)

func init() {
	eventsourcing.On(accountHandlers, func(a *Account, e *AccountOpened) error {
		a.accountNumber = e.AccountNumber
		a.accountType = e.AccountType
		a.customerID = e.CustomerID
		a.currency = e.Currency
		a.balance = e.InitialDeposit
		a.status = StatusOpen
		return nil
	})
	eventsourcing.On(accountHandlers, func(a *Account, e *MoneyDeposited) error {
		a.balance = e.NewBalance
		return nil
	})
	eventsourcing.On(accountHandlers, func(a *Account, e *MoneyWithdrawn) error {
		a.balance = e.NewBalance
		return nil
	})
	eventsourcing.On(accountHandlers, func(a *Account, e *AccountFrozen) error {
		a.status = StatusFrozen
		a.freezeReason = e.Reason
		return nil
	})
	eventsourcing.On(accountHandlers, func(a *Account, e *AccountUnfrozen) error {
		a.status = StatusOpen
		a.freezeReason = ""
		return nil
	})
	eventsourcing.On(accountHandlers, func(a *Account, e *AccountClosed) error {
		a.status = StatusClosed
		a.MarkDeleted()
		return nil
	})
}

// ApplyEvent implements domain.Aggregate by dispatching through the
// package's handler table. Handlers here are pure state mutation only;
// every business rule lives in the command methods below.
func (a *Account) ApplyEvent(payload any) error {
	return accountHandlers.Dispatch(a, payload)
}

// Open opens a brand-new account with an initial deposit. Fails if the
// aggregate already has history (Version() is no longer the -1 "does
// not exist yet" sentinel).
func (a *Account) Open(accountNumber string, accountType AccountType, customerID string, initialDeposit decimal.Decimal, currency string, metadata domain.Metadata) error {
	if a.Version() != -1 {
		return domain.NewValidationError("accountId", "account already opened")
	}
	if err := validators.ValidateStringEmpty(accountNumber, "accountNumber").ToError(); err != nil {
		return err
	}
	if err := validators.ValidateStringEmpty(customerID, "customerId").ToError(); err != nil {
		return err
	}
	if err := validators.ValidateStringLength(currency, "currency", 3, 3).ToError(); err != nil {
		return err
	}
	if initialDeposit.IsNegative() {
		return domain.NewValidationError("initialDeposit", "cannot be negative")
	}

	event := &AccountOpened{
		AccountNumber:  accountNumber,
		AccountType:    accountType,
		CustomerID:     customerID,
		InitialDeposit: initialDeposit,
		Currency:       currency,
	}
	return eventsourcing.ApplyChangeWithConstraints(a, EventAccountOpened, event, metadata,
		domain.UniqueConstraint{IndexName: AccountNumberIndex, Value: accountNumber, Operation: domain.ConstraintClaim})
}

// Deposit credits amount to the account. Requires the account be open.
func (a *Account) Deposit(amount decimal.Decimal, metadata domain.Metadata) error {
	if a.status != StatusOpen {
		return fmt.Errorf("account %s is not open (status=%s)", a.AggregateID(), a.status)
	}
	if amount.Sign() <= 0 {
		return domain.NewValidationError("amount", "deposit amount must be positive")
	}

	event := &MoneyDeposited{
		Amount:     amount,
		NewBalance: a.balance.Add(amount),
	}
	return eventsourcing.ApplyChange(a, EventMoneyDeposited, event, metadata)
}

// Withdraw debits amount from the account. Requires the account be open
// and hold sufficient balance; neither condition appends an event when
// violated.
func (a *Account) Withdraw(amount decimal.Decimal, metadata domain.Metadata) error {
	if a.status != StatusOpen {
		return fmt.Errorf("account %s is not open (status=%s)", a.AggregateID(), a.status)
	}
	if amount.Sign() <= 0 {
		return domain.NewValidationError("amount", "withdrawal amount must be positive")
	}
	if a.balance.LessThan(amount) {
		return fmt.Errorf("insufficient funds: balance %s, requested %s", a.balance, amount)
	}

	event := &MoneyWithdrawn{
		Amount:     amount,
		NewBalance: a.balance.Sub(amount),
	}
	return eventsourcing.ApplyChange(a, EventMoneyWithdrawn, event, metadata)
}

// Freeze suspends the account, blocking deposits and withdrawals until
// Unfreeze runs.
func (a *Account) Freeze(reason string, metadata domain.Metadata) error {
	if a.status != StatusOpen {
		return fmt.Errorf("account %s cannot be frozen from status %s", a.AggregateID(), a.status)
	}
	event := &AccountFrozen{Reason: reason}
	return eventsourcing.ApplyChange(a, EventAccountFrozen, event, metadata)
}

// Unfreeze restores a frozen account to normal operation.
func (a *Account) Unfreeze(metadata domain.Metadata) error {
	if a.status != StatusFrozen {
		return fmt.Errorf("account %s is not frozen (status=%s)", a.AggregateID(), a.status)
	}
	event := &AccountUnfrozen{}
	return eventsourcing.ApplyChange(a, EventAccountUnfrozen, event, metadata)
}

// Close closes the account. Requires a zero balance.
func (a *Account) Close(metadata domain.Metadata) error {
	if a.status == StatusClosed {
		return fmt.Errorf("account %s is already closed", a.AggregateID())
	}
	if !a.balance.IsZero() {
		return fmt.Errorf("cannot close account %s with non-zero balance %s", a.AggregateID(), a.balance)
	}

	event := &AccountClosed{FinalBalance: a.balance}
	return eventsourcing.ApplyChangeWithConstraints(a, EventAccountClosed, event, metadata,
		domain.UniqueConstraint{IndexName: AccountNumberIndex, Value: a.accountNumber, Operation: domain.ConstraintRelease})
}
