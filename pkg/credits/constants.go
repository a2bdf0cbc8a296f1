package credits

const (
	operationRecharge   = "recharge"
	operationConsume    = "consume"
	operationBootstrap  = "bootstrap"
	operationChangePlan = "change_plan"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationService = "service"
	errorSubjectBalance   = "balance"
	errorCodeNegative     = "negative"

	welcomeKeyPrefix     = "welcome"
	idempotencyDelimiter = ":"
	welcomeDescription   = "welcome credits"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)
