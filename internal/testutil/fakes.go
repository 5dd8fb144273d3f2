// internal/testutil/fakes.go
package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javajoker/accredit-backend/internal/models"
	"github.com/javajoker/accredit-backend/internal/repository"
)

// Catalog is an in-memory services.Catalog.
type Catalog struct {
	mu             sync.Mutex
	parties        map[uuid.UUID]models.Party
	courses        map[uuid.UUID]models.Course
	prices         []models.CoursePrice
	authorizations []models.PartyAuthorization
}

func NewCatalog() *Catalog {
	return &Catalog{
		parties: map[uuid.UUID]models.Party{},
		courses: map[uuid.UUID]models.Course{},
	}
}

func (c *Catalog) PutParty(p models.Party) models.Party {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = models.PartyStatusActive
	}
	c.parties[p.ID] = p
	return p
}

func (c *Catalog) PutCourse(course models.Course) models.Course {
	c.mu.Lock()
	defer c.mu.Unlock()
	if course.ID == uuid.Nil {
		course.ID = uuid.New()
	}
	c.courses[course.ID] = course
	return course
}

func (c *Catalog) PutPrice(p models.CoursePrice) models.CoursePrice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	c.prices = append(c.prices, p)
	return p
}

func (c *Catalog) PutAuthorization(a models.PartyAuthorization) models.PartyAuthorization {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = models.AuthorizationStatusActive
	}
	c.authorizations = append(c.authorizations, a)
	return a
}

func (c *Catalog) GetParty(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parties[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (c *Catalog) GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	course, ok := c.courses[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &course, nil
}

func (c *Catalog) GetEffectivePrice(ctx context.Context, courseID, issuerID uuid.UUID, asOf time.Time) (*models.CoursePrice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var prices []models.CoursePrice
	for _, p := range c.prices {
		if p.CourseID == courseID && p.PartyID == issuerID {
			prices = append(prices, p)
		}
	}
	return repository.SelectEffectivePrice(prices, asOf)
}

func (c *Catalog) GetAuthorization(ctx context.Context, partyID, counterpartyID uuid.UUID) (*models.PartyAuthorization, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.authorizations {
		if a.PartyID == partyID && a.CounterpartyID == counterpartyID {
			return &a, nil
		}
	}
	return nil, repository.ErrNotFound
}

// Storage is an in-memory services.FileStorage.
type Storage struct {
	mu      sync.Mutex
	files   map[string][]byte
	seq     int
	Stored  []string
	Deleted []string
	// Returned by the next Store call, then cleared.
	FailStore error
}

func NewStorage() *Storage {
	return &Storage{files: map[string][]byte{}}
}

func (s *Storage) Store(ctx context.Context, name, contentType string, size int64, r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := takeErr(&s.FailStore); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.seq++
	path := fmt.Sprintf("payment-proofs/%d/%s", s.seq, name)
	s.files[path] = data
	s.Stored = append(s.Stored, path)
	return path, nil
}

func (s *Storage) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	s.Deleted = append(s.Deleted, path)
	return nil
}

// Exists reports whether path is currently stored.
func (s *Storage) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok
}

func (s *Storage) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Notification is one recorded Notifier call.
type Notification struct {
	RecipientID uuid.UUID
	Type        string
	Payload     map[string]interface{}
}

// Notifier records notifications. When Err is set every call fails after
// being recorded.
type Notifier struct {
	mu    sync.Mutex
	calls []Notification
	Err   error
}

func (n *Notifier) Notify(ctx context.Context, recipientID uuid.UUID, notificationType string, payload map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, Notification{RecipientID: recipientID, Type: notificationType, Payload: payload})
	return n.Err
}

func (n *Notifier) Calls() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.calls...)
}

// Types returns the notification types sent to recipientID in order.
func (n *Notifier) Types(recipientID uuid.UUID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var types []string
	for _, c := range n.calls {
		if c.RecipientID == recipientID {
			types = append(types, c.Type)
		}
	}
	return types
}
