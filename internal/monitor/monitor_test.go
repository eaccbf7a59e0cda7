package monitor_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/deposit-orchestrator/internal/monitor"
)

func TestNewContractMonitor(t *testing.T) {
	t.Run("SuccessfulLoad", func(t *testing.T) {
		cm, err := monitor.NewContractMonitor("test", []byte(`{
			"$schema": "http://json-schema.org/draft-07/schema#",
			"type": "object",
			"properties": { "name": { "type": "string" } },
			"required": ["name"]
		}`))
		require.NoError(t, err)
		assert.Equal(t, "test", cm.Name())
	})

	t.Run("InvalidSchemaSyntax", func(t *testing.T) {
		_, err := monitor.NewContractMonitor("broken", []byte("{invalid_json"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error loading or compiling schema broken")
	})

	t.Run("UnknownContract", func(t *testing.T) {
		_, err := monitor.Load("nope")
		assert.Error(t, err)
	})
}

func TestBookingRequestContract(t *testing.T) {
	cm := monitor.MustLoad(monitor.ContractBookingRequest)

	t.Run("Valid", func(t *testing.T) {
		ok, errs, err := cm.Validate([]byte(`{"customerName":"Amina","phone":"0712345678","service":"Haircut","date":"2026-03-14","time":"10:00"}`))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, errs)
	})

	t.Run("MissingFields", func(t *testing.T) {
		before := testutil.ToFloat64(monitor.GetViolations().WithLabelValues(monitor.ContractBookingRequest))
		ok, errs, err := cm.Validate([]byte(`{"customerName":"Amina","date":"14/03/2026"}`))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, len(errs), 3)
		assert.Contains(t, monitor.FormatErrors(errs), "Validation errors: ")
		assert.Equal(t, before+1, testutil.ToFloat64(monitor.GetViolations().WithLabelValues(monitor.ContractBookingRequest)))
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		_, _, err := cm.Validate([]byte(`{"customerName":`))
		assert.Error(t, err)
	})
}

func TestSTKCallbackContract(t *testing.T) {
	cm := monitor.MustLoad(monitor.ContractSTKCallback)

	ok, _, err := cm.Validate([]byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok"}}}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, errs, err := cm.Validate([]byte(`{"Body":{}}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, errs)
}

func TestFormatErrors(t *testing.T) {
	assert.Equal(t, "", monitor.FormatErrors(nil))
	assert.Equal(t, "Validation errors: a; b", monitor.FormatErrors([]string{"a", "b"}))
}
