package protocol

// Reasons reported in ConnectionRefused.
const (
	RefusedInvalidSlot          = "InvalidSlot"
	RefusedInvalidGame          = "InvalidGame"
	RefusedIncompatibleVersion  = "IncompatibleVersion"
	RefusedInvalidPassword      = "InvalidPassword"
	RefusedInvalidItemsHandling = "InvalidItemsHandling"
)

var knownReasons = map[string]struct{}{
	RefusedInvalidSlot:          {},
	RefusedInvalidGame:          {},
	RefusedIncompatibleVersion:  {},
	RefusedInvalidPassword:      {},
	RefusedInvalidItemsHandling: {},
}

// IsKnownReason reports whether reason is one of the documented refusal
// reasons. Unknown reasons are still surfaced to the user verbatim.
func IsKnownReason(reason string) bool {
	_, ok := knownReasons[reason]
	return ok
}
