// Package enrollment records which users have bought access to which courses.
package enrollment

import "time"

// Enrollment links a user to a course they paid for.
// AmountPaid is in minor currency units.
type Enrollment struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	CourseID         string    `json:"courseId"`
	PaymentReference string    `json:"paymentReference"`
	AmountPaid       int64     `json:"amountPaid"`
	Currency         string    `json:"currency"`
	Progress         int       `json:"progress"`
	EnrolledAt       time.Time `json:"enrolledAt"`
}
