package state

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusSent       JobStatus = "sent"
	StatusFailed     JobStatus = "failed"
	StatusDelivered  JobStatus = "delivered"
	StatusBounced    JobStatus = "bounced"
)

func (s JobStatus) String() string {
	return string(s)
}

var AllStatuses = []JobStatus{
	StatusQueued,
	StatusProcessing,
	StatusSent,
	StatusFailed,
	StatusDelivered,
	StatusBounced,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidTransitions is the delivery lifecycle: a job moves from queued through
// processing to sent, back to queued on a retryable failure, or to failed once
// the retry budget is exhausted. Delivered and bounced are provider-side
// outcomes reported after a successful send.
var ValidTransitions = []Transition{
	{From: StatusQueued, To: StatusProcessing},
	{From: StatusProcessing, To: StatusSent},
	{From: StatusProcessing, To: StatusQueued},
	{From: StatusProcessing, To: StatusFailed},
	{From: StatusSent, To: StatusDelivered},
	{From: StatusSent, To: StatusBounced},
}

func IsValidTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// IsTerminalSuccess reports whether the job already reached the downstream
// provider; redeliveries of such jobs are discarded without a transport call.
func IsTerminalSuccess(s JobStatus) bool {
	return s == StatusSent || s == StatusDelivered
}
