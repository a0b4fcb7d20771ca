package wallet

const (
	operationInitiatePurchase = "initiate_purchase"
	operationConfirmPurchase  = "confirm_purchase"
	operationInitiateExchange = "initiate_exchange"
	operationWelcomeBonus     = "welcome_bonus"
	operationReward           = "reward"
	operationSpend            = "spend"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"
	operationStatusCritical  = "critical"

	idempotencyKeyDelimiter   = ":"
	idempotencyPrefixPurchase = "purchase"
	idempotencyPrefixExchange = "exchange"
	idempotencyPrefixWelcome  = "welcome"
	idempotencyPrefixReward   = "reward"
	idempotencyPrefixSpend    = "spend"

	baseFiatCurrency = "JPY"

	walletAddressPrefix = "OP"
)
