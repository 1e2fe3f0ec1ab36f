package syncengine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/ledgersync/internal/localstore"
)

type Kind string

const (
	KindCreateInvoice   Kind = "create_invoice"
	KindUpdateInvoice   Kind = "update_invoice"
	KindPostInvoice     Kind = "post_invoice"
	KindRegisterPayment Kind = "register_payment"
)

func Kinds() []Kind {
	return []Kind{KindCreateInvoice, KindUpdateInvoice, KindPostInvoice, KindRegisterPayment}
}

func (k Kind) Known() bool {
	_, ok := dispatchTable[k]
	return ok
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

func Statuses() []Status {
	return []Status{StatusPending, StatusSyncing, StatusDone, StatusError}
}

func ParseStatus(raw string) (Status, error) {
	for _, status := range Statuses() {
		if string(status) == raw {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: status %q", ErrInvalidInput, raw)
}

// Operation is one queued mutation. The engine is the only writer of Status.
type Operation struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	LastError     string          `json:"lastError,omitempty"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	DependsOn     string          `json:"dependsOn,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (op Operation) record() (localstore.Record, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return localstore.Record{}, err
	}
	return localstore.Record{
		Key:       op.ID,
		Type:      string(op.Kind),
		Status:    string(op.Status),
		CreatedAt: op.CreatedAt,
		UpdatedAt: op.UpdatedAt,
		Data:      data,
	}, nil
}

func operationFromRecord(rec localstore.Record) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(rec.Data, &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation %s: %w", rec.Key, err)
	}
	// The indexed columns win over the document.
	op.ID = rec.Key
	op.Status = Status(rec.Status)
	op.CreatedAt = rec.CreatedAt
	op.UpdatedAt = rec.UpdatedAt
	return op, nil
}
