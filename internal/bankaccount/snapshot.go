package bankaccount

import (
	"encoding/json"
	"fmt"

	"github.com/ledgerforge/eventledger/pkg/domain"
	"github.com/ledgerforge/eventledger/pkg/store"
	"github.com/shopspring/decimal"
)

// snapshotState is the JSON shape an Account checkpoints to and restores
// from. Version and uncommitted events are managed by the Repository's
// Load path, not stored here.
type snapshotState struct {
	AccountNumber string          `json:"accountNumber"`
	AccountType   AccountType     `json:"accountType"`
	CustomerID    string          `json:"customerId"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	Status        AccountStatus   `json:"status"`
	FreezeReason  string          `json:"freezeReason"`
}

// MarshalSnapshotState implements store.Snapshotable.
func (a *Account) MarshalSnapshotState() (string, error) {
	data, err := json.Marshal(snapshotState{
		AccountNumber: a.accountNumber,
		AccountType:   a.accountType,
		CustomerID:    a.customerID,
		Currency:      a.currency,
		Balance:       a.balance,
		Status:        a.status,
		FreezeReason:  a.freezeReason,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal account snapshot: %v", domain.ErrSerialization, err)
	}
	return string(data), nil
}

// UnmarshalSnapshotState implements store.Snapshotable.
func (a *Account) UnmarshalSnapshotState(data string) error {
	var state snapshotState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return fmt.Errorf("%w: unmarshal account snapshot: %v", domain.ErrDeserialization, err)
	}
	a.accountNumber = state.AccountNumber
	a.accountType = state.AccountType
	a.customerID = state.CustomerID
	a.currency = state.Currency
	a.balance = state.Balance
	a.status = state.Status
	a.freezeReason = state.FreezeReason
	return nil
}

var _ store.Snapshotable = (*Account)(nil)

// Factory is the store.Factory a Repository[*Account] is built with.
func Factory(id string) *Account {
	return NewAccount(id)
}
