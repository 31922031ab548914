package domain

// ConversationState is the persisted position of a user in the chat flow.
type ConversationState string

const (
	StateNew                ConversationState = "NEW"
	StateAskingName         ConversationState = "ASKING_NAME"
	StateAskingID           ConversationState = "ASKING_ID"
	StateAskingIDPhoto      ConversationState = "ASKING_ID_PHOTO"
	StateWaitingForApproval ConversationState = "WAITING_FOR_APPROVAL"
	StateAskingVehicleMake  ConversationState = "ASKING_VEHICLE_MAKE"
	StateAskingVehicleModel ConversationState = "ASKING_VEHICLE_MODEL"
	StateAskingVehicleYear  ConversationState = "ASKING_VEHICLE_YEAR"
	StateAskingRegistration ConversationState = "ASKING_REGISTRATION"
	StateAskingVehicleValue ConversationState = "ASKING_VEHICLE_VALUE"
	StateAskingCoverageType ConversationState = "ASKING_COVERAGE_TYPE"
	StateQuotePresented     ConversationState = "QUOTE_PRESENTED"
	StateAwaitingPayment    ConversationState = "AWAITING_PAYMENT"
	StateActive             ConversationState = "ACTIVE"
	StateClaimAskingDate    ConversationState = "CLAIM_ASKING_DATE"
	StateClaimAskingPlace   ConversationState = "CLAIM_ASKING_LOCATION"
	StateClaimAskingDetails ConversationState = "CLAIM_ASKING_DESCRIPTION"
	StateClaimAskingProof   ConversationState = "CLAIM_ASKING_EVIDENCE"
)

// AllStates lists the closed set of conversation states.
var AllStates = []ConversationState{
	StateNew,
	StateAskingName,
	StateAskingID,
	StateAskingIDPhoto,
	StateWaitingForApproval,
	StateAskingVehicleMake,
	StateAskingVehicleModel,
	StateAskingVehicleYear,
	StateAskingRegistration,
	StateAskingVehicleValue,
	StateAskingCoverageType,
	StateQuotePresented,
	StateAwaitingPayment,
	StateActive,
	StateClaimAskingDate,
	StateClaimAskingPlace,
	StateClaimAskingDetails,
	StateClaimAskingProof,
}

// Valid reports whether s is one of the known states.
func (s ConversationState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsClaimFlow reports whether the state belongs to the claim sub-flow.
func (s ConversationState) IsClaimFlow() bool {
	switch s {
	case StateClaimAskingDate, StateClaimAskingPlace, StateClaimAskingDetails, StateClaimAskingProof:
		return true
	}
	return false
}
