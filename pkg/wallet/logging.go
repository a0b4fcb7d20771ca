package wallet

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation         string
	UserID            UserID
	Amount            string
	Currency          string
	ProviderSessionID string
	TransactionID     string
	SagaState         string
	Status            string
	Error             error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCheckoutClient wires the payment provider collaborator. Required for the
// purchase pipeline.
func WithCheckoutClient(client CheckoutClient) ServiceOption {
	return func(service *Service) {
		service.checkout = client
	}
}

// WithPricing overrides the default purchase pricing.
func WithPricing(pricing Pricing) ServiceOption {
	return func(service *Service) {
		service.pricing = pricing
	}
}

// WithRateTable overrides the default exchange rate table.
func WithRateTable(table RateTable) ServiceOption {
	return func(service *Service) {
		service.rates = table
	}
}
