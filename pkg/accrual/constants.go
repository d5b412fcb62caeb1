package accrual

const (
	operationAdvance      = "advance"
	operationReconcile    = "reconcile"
	operationOfflineGap   = "offline_gap"
	operationReset        = "reset"
	operationSetPrincipal = "set_principal"

	operationStatusOK      = "ok"
	operationStatusSkipped = "skipped"

	secondsPerDay = 86400
)
