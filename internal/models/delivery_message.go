package models

import "encoding/json"

// DeliveryMessage is the wire envelope between publisher and consumer. It
// carries enough content to act without a store round trip; unknown fields in
// incoming payloads are ignored for forward compatibility. RetryCount is
// duplicated into a transport header so attempt count survives redelivery.
type DeliveryMessage struct {
	JobID      string  `json:"job_id"`
	Recipient  *string `json:"recipient,omitempty"`
	Subject    *string `json:"subject,omitempty"`
	Body       *string `json:"body,omitempty"`
	RetryCount int     `json:"retry_count"`
}

func (m *DeliveryMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalDeliveryMessage(body []byte) (*DeliveryMessage, error) {
	var m DeliveryMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewDeliveryMessage builds the envelope for a job at its current attempt
// count.
func NewDeliveryMessage(job *EmailJob) *DeliveryMessage {
	return &DeliveryMessage{
		JobID:      job.ID,
		Recipient:  &job.Recipient,
		Subject:    job.Subject,
		Body:       job.Body,
		RetryCount: job.RetryCount,
	}
}
