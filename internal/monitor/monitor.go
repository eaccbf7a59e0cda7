// Package monitor checks inbound request bodies against JSON schema contracts.
package monitor

import (
	"embed"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// Contract names of the embedded schemas.
const (
	ContractBookingRequest = "booking_request"
	ContractPaymentRequest = "payment_request"
	ContractSTKCallback    = "stk_callback"
)

var violations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "contract_violations_total",
	Help: "Inbound bodies that failed schema validation, by contract.",
}, []string{"contract"})

// GetViolations exposes the violation counter for tests.
func GetViolations() *prometheus.CounterVec { return violations }

// ContractMonitor validates request bodies against one compiled schema.
type ContractMonitor struct {
	name   string
	schema *gojsonschema.Schema
}

// NewContractMonitor compiles schema.
func NewContractMonitor(name string, schema []byte) (*ContractMonitor, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{name: name, schema: compiled}, nil
}

// Load returns the monitor for an embedded contract.
func Load(contract string) (*ContractMonitor, error) {
	data, err := schemaFiles.ReadFile("schemas/" + contract + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown contract %s: %w", contract, err)
	}
	return NewContractMonitor(contract, data)
}

// MustLoad is Load for contracts known at compile time.
func MustLoad(contract string) *ContractMonitor {
	cm, err := Load(contract)
	if err != nil {
		panic(err)
	}
	return cm
}

func (cm *ContractMonitor) Name() string { return cm.name }

// Validate validates body. It returns true if valid, or false and a list of
// validation errors if invalid. Malformed JSON is an error.
func (cm *ContractMonitor) Validate(body []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	violations.WithLabelValues(cm.name).Inc()
	errs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return false, errs, nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
