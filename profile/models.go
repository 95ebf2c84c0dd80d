package profile

import "time"

// Status is a buyer profile's verification state. Only VERIFIED profiles may
// open offers.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusVerified  Status = "VERIFIED"
	StatusRejected  Status = "REJECTED"
	StatusSuspended Status = "SUSPENDED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected, StatusSuspended:
		return true
	}
	return false
}

// Profile is the buyer company identity offers are placed under.
type Profile struct {
	ID                 string    `json:"id"`
	PublicID           string    `json:"public_id"`
	UserID             string    `json:"user_id"`
	CompanyName        string    `json:"company_name"`
	VerificationStatus Status    `json:"verification_status"`
	CreatedAt          time.Time `json:"created_at"`
}
