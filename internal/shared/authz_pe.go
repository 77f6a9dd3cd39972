package shared

// PE permissions declared for the access filter.
const (
	PermPELedgerView     = "pe.ledger.view"
	PermPELedgerManage   = "pe.ledger.manage"
	PermPEMovementSubmit = "pe.movement.submit"
	PermPEMovementView   = "pe.movement.view"
	PermPEMovementDecide = "pe.movement.approve"
)

// PEScopes lists all permissions related to the PE engine.
func PEScopes() []string {
	return []string{
		PermPELedgerView,
		PermPELedgerManage,
		PermPEMovementSubmit,
		PermPEMovementView,
		PermPEMovementDecide,
	}
}
