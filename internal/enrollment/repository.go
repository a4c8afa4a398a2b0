package enrollment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateEnrollment is returned when the user already has the course.
	ErrDuplicateEnrollment = errors.New("user is already enrolled in course")

	// ErrEnrollmentNotFound is returned when no enrollment matches.
	ErrEnrollmentNotFound = errors.New("enrollment not found")
)

// Repository persists enrollments. (user, course) is unique.
type Repository interface {
	// Create stores e, assigning ID and EnrolledAt.
	// Returns ErrDuplicateEnrollment if the pair already exists.
	Create(ctx context.Context, e *Enrollment) error
	Get(ctx context.Context, userID, courseID string) (*Enrollment, error)
	// ListByUser returns the user's enrollments, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Enrollment, error)
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu          sync.RWMutex
	enrollments map[string]*Enrollment // userID + "\x00" + courseID
}

// NewInMemoryRepository creates a new in-memory enrollment repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		enrollments: make(map[string]*Enrollment),
	}
}

func pairKey(userID, courseID string) string {
	return userID + "\x00" + courseID
}

// Create stores a new enrollment.
func (r *InMemoryRepository) Create(_ context.Context, e *Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(e.UserID, e.CourseID)
	if _, exists := r.enrollments[key]; exists {
		return ErrDuplicateEnrollment
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EnrolledAt.IsZero() {
		e.EnrolledAt = time.Now().UTC()
	}

	copied := *e
	r.enrollments[key] = &copied
	return nil
}

// Get returns the enrollment for a user and course.
func (r *InMemoryRepository) Get(_ context.Context, userID, courseID string) (*Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.enrollments[pairKey(userID, courseID)]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	copied := *e
	return &copied, nil
}

// ListByUser returns the user's enrollments, newest first.
func (r *InMemoryRepository) ListByUser(_ context.Context, userID string) ([]*Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Enrollment
	for _, e := range r.enrollments {
		if e.UserID == userID {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnrolledAt.After(out[j].EnrolledAt)
	})
	return out, nil
}
