package approval

// RequestStatus represents the lifecycle state of an approval request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

var validRequestStatuses = map[RequestStatus]bool{
	RequestPending:   true,
	RequestApproved:  true,
	RequestRejected:  true,
	RequestCancelled: true,
}

var terminalRequestStatuses = map[RequestStatus]bool{
	RequestApproved:  true,
	RequestRejected:  true,
	RequestCancelled: true,
}

// IsTerminal returns true if no further transitions are allowed.
func (s RequestStatus) IsTerminal() bool {
	return terminalRequestStatuses[s]
}

// IsValid returns true if the status is a known request status.
func (s RequestStatus) IsValid() bool {
	return validRequestStatuses[s]
}

// String returns the string representation of the status.
func (s RequestStatus) String() string {
	return string(s)
}

// StepStatus represents the lifecycle state of a single approval step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
)

var terminalStepStatuses = map[StepStatus]bool{
	StepApproved: true,
	StepRejected: true,
}

// IsTerminal returns true if the step can no longer be acted on.
func (s StepStatus) IsTerminal() bool {
	return terminalStepStatuses[s]
}

// String returns the string representation of the status.
func (s StepStatus) String() string {
	return string(s)
}

// CanTransitionRequest reports whether a request may move from one status to
// another. The only legal transitions are pending to a terminal status.
func CanTransitionRequest(from, to RequestStatus) bool {
	return from == RequestPending && terminalRequestStatuses[to]
}

// CanTransitionStep reports whether a step may move from one status to
// another.
func CanTransitionStep(from, to StepStatus) bool {
	return from == StepPending && terminalStepStatuses[to]
}
