package daraja

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/deposit-orchestrator/internal/gateway"
)

// Acknowledgement is the body Daraja expects in reply to every callback.
type Acknowledgement struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Accepted is returned for every callback, including unknown and duplicate ones.
var Accepted = Acknowledgement{ResultCode: 0, ResultDesc: "Accepted"}

var ErrMalformedCallback = errors.New("malformed stk callback")

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string     `json:"MerchantRequestID"`
	CheckoutRequestID string     `json:"CheckoutRequestID"`
	ResultCode        flexString `json:"ResultCode"`
	ResultDesc        string     `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string      `json:"Name"`
	Value json.Number `json:"Value"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(b)
	return nil
}

func (m *metadataItem) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name  string          `json:"Name"`
		Value json.RawMessage `json:"Value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Name = raw.Name
	var v flexString
	if len(raw.Value) > 0 {
		if err := v.UnmarshalJSON(raw.Value); err != nil {
			return err
		}
	}
	m.Value = json.Number(v)
	return nil
}

// ParseCallback decodes an STK callback body.
func ParseCallback(data []byte) (gateway.Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return gateway.Callback{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" {
		return gateway.Callback{}, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(cb.ResultCode)))
	if err != nil {
		return gateway.Callback{}, fmt.Errorf("%w: ResultCode %q", ErrMalformedCallback, cb.ResultCode)
	}

	out := gateway.Callback{
		Token:             cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
		Outcome:           gateway.OutcomeFailed,
	}
	if code == 0 {
		out.Outcome = gateway.OutcomeSuccess
	}
	for _, item := range cb.CallbackMetadata.Item {
		v := item.Value.String()
		switch item.Name {
		case "MpesaReceiptNumber":
			out.Receipt = v
		case "Amount":
			if d, err := decimal.NewFromString(v); err == nil {
				out.Amount = d
			}
		case "PhoneNumber":
			out.Phone = v
		case "TransactionDate":
			if t, err := time.ParseInLocation(timestampLayout, v, nairobi); err == nil {
				out.TransactionDate = t
			}
		}
	}
	if out.Outcome == gateway.OutcomeSuccess && out.Receipt == "" {
		return out, fmt.Errorf("%w: success without MpesaReceiptNumber", ErrMalformedCallback)
	}
	return out, nil
}

// transaction dates are East Africa Time, UTC+3 with no DST
var nairobi = time.FixedZone("EAT", 3*60*60)
