package shared

// Engine permissions checked by handlers and workflows.
const (
	PermStockView   = "stock.view"
	PermStockAdjust = "stock.adjust"

	PermTransferCreate   = "transfer.create"
	PermTransferCheck    = "transfer.check"
	PermTransferSend     = "transfer.send"
	PermTransferReceive  = "transfer.receive"
	PermTransferComplete = "transfer.complete"
	PermTransferCancel   = "transfer.cancel"

	PermCorrectionCreate  = "correction.create"
	PermCorrectionApprove = "correction.approve"

	// PermAllLocations grants location-unscoped access.
	PermAllLocations = "locations.all"
)

// EngineScopes lists all permissions known to the stock engine.
func EngineScopes() []string {
	return []string{
		PermStockView,
		PermStockAdjust,
		PermTransferCreate,
		PermTransferCheck,
		PermTransferSend,
		PermTransferReceive,
		PermTransferComplete,
		PermTransferCancel,
		PermCorrectionCreate,
		PermCorrectionApprove,
		PermAllLocations,
	}
}
