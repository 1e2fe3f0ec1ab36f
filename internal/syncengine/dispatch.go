package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/ledgersync/internal/pipeline"
)

type dispatchFunc func(ctx context.Context, api pipeline.InvoiceAPI, payload json.RawMessage) (json.RawMessage, error)

// dispatchTable maps each kind to exactly one pipeline call.
var dispatchTable = map[Kind]dispatchFunc{
	KindCreateInvoice: func(ctx context.Context, api pipeline.InvoiceAPI, payload json.RawMessage) (json.RawMessage, error) {
		return api.CreateInvoice(ctx, payload)
	},
	KindUpdateInvoice: func(ctx context.Context, api pipeline.InvoiceAPI, payload json.RawMessage) (json.RawMessage, error) {
		target, err := decodeTarget(payload)
		if err != nil {
			return nil, err
		}
		return api.UpdateInvoice(ctx, target.id, target.data)
	},
	KindPostInvoice: func(ctx context.Context, api pipeline.InvoiceAPI, payload json.RawMessage) (json.RawMessage, error) {
		target, err := decodeTarget(payload)
		if err != nil {
			return nil, err
		}
		return api.PostInvoice(ctx, target.id)
	},
	KindRegisterPayment: func(ctx context.Context, api pipeline.InvoiceAPI, payload json.RawMessage) (json.RawMessage, error) {
		target, err := decodeTarget(payload)
		if err != nil {
			return nil, err
		}
		return api.RegisterPayment(ctx, target.id, target.data)
	},
}

func dispatch(ctx context.Context, api pipeline.InvoiceAPI, kind Kind, payload json.RawMessage) (json.RawMessage, error) {
	fn, ok := dispatchTable[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return fn(ctx, api, payload)
}

type target struct {
	id   string
	data json.RawMessage
}

// decodeTarget reads {"id": <string|number>, "data": {...}} payloads.
func decodeTarget(payload json.RawMessage) (target, error) {
	var raw struct {
		ID   json.RawMessage `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return target{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	id := bytes.TrimSpace(raw.ID)
	var out target
	switch {
	case len(id) == 0 || bytes.Equal(id, []byte("null")):
		return target{}, fmt.Errorf("%w: missing id", ErrInvalidPayload)
	case id[0] == '"':
		if err := json.Unmarshal(id, &out.id); err != nil {
			return target{}, fmt.Errorf("%w: id: %v", ErrInvalidPayload, err)
		}
	default:
		var number json.Number
		if err := json.Unmarshal(id, &number); err != nil {
			return target{}, fmt.Errorf("%w: id: %v", ErrInvalidPayload, err)
		}
		out.id = number.String()
	}
	if out.id == "" {
		return target{}, fmt.Errorf("%w: missing id", ErrInvalidPayload)
	}
	out.data = raw.Data
	return out, nil
}
