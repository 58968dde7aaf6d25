package entitlement

const (
	operationRedeem      = "redeem"
	operationDebit       = "debit"
	operationRefund      = "refund"
	operationReset       = "reset"
	operationImportCodes = "import_codes"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationService = "service"
	errorSubjectTier      = "tier"
	errorCodeMissing      = "missing"

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000

	tracerName = "github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
)
