package salon

// HoldType distinguishes a manual suspension from a code freeze.
type HoldType string

const (
	// HoldManual is an operator-initiated suspension.
	HoldManual HoldType = "manual"

	// HoldFreeze is a policy-driven code freeze. A freeze outranks a
	// manual hold: if an emergency hold pre-empts it, the freeze is
	// restored when the hold lifts.
	HoldFreeze HoldType = "code_freeze"
)

// HoldState tracks whether deploys are suspended, why, and whether a
// pre-empted freeze must be restored on unhold.
//
// The shadow freeze is set only while a manual hold has pre-empted a
// freeze; it is never set while the active hold is itself a freeze.
type HoldState struct {
	held         bool
	typ          HoldType
	reason       string
	shadowFreeze string
	hasShadow    bool
}

// Hold suspends deploys. Setting a hold while one is active overwrites the
// reason and type; holds do not stack. A manual hold placed over a freeze
// remembers the freeze reason so Unhold can restore it.
func (h *HoldState) Hold(typ HoldType, reason string) {
	if h.held && h.typ == HoldFreeze && typ == HoldManual {
		h.shadowFreeze = h.reason
		h.hasShadow = true
	}
	if typ == HoldFreeze {
		h.shadowFreeze = ""
		h.hasShadow = false
	}
	h.held = true
	h.typ = typ
	h.reason = reason
}

// Unhold lifts the current hold. If a freeze was pre-empted by a manual
// hold, the freeze is restored instead of clearing.
func (h *HoldState) Unhold() {
	if h.hasShadow {
		h.held = true
		h.typ = HoldFreeze
		h.reason = h.shadowFreeze
	} else {
		h.held = false
		h.typ = ""
		h.reason = ""
	}
	h.shadowFreeze = ""
	h.hasShadow = false
}

// Held reports whether deploys are currently suspended.
func (h *HoldState) Held() bool {
	return h.held
}

// Type returns the active hold's type, or "" when clear.
func (h *HoldState) Type() HoldType {
	return h.typ
}

// Reason returns the active hold's reason, or "" when clear.
func (h *HoldState) Reason() string {
	return h.reason
}
