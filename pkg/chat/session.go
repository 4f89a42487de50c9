// Package chat keeps the per-user conversation state shared by the front-ends.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xhad/handbookqa/internal/models"
	"github.com/xhad/handbookqa/pkg/rag"
)

// ErrorMessage is shown to users when a question could not be answered.
const ErrorMessage = "Sorry, something went wrong while answering your question. Please try again."

var (
	ErrNoCourse      = errors.New("no course selected")
	ErrUnknownCourse = errors.New("unknown course")
)

// Answerer is satisfied by *rag.Pipeline.
type Answerer interface {
	Answer(ctx context.Context, req rag.Request) (*rag.Answer, error)
}

// Session is one user's conversation: a selected course and the turns so far.
// History lives in memory only.
type Session struct {
	answerer Answerer
	catalog  *models.Catalog

	mu      sync.Mutex
	course  string
	history []models.Turn
}

func NewSession(answerer Answerer, catalog *models.Catalog, course string) *Session {
	return &Session{answerer: answerer, catalog: catalog, course: course}
}

func (s *Session) SetCourse(course string) error {
	if !s.catalog.Has(course) {
		return fmt.Errorf("%w: %s", ErrUnknownCourse, course)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.course = course
	return nil
}

func (s *Session) Course() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.course
}

// Ask answers message in the context of the session's history. The turn is
// recorded only when an answer was produced.
func (s *Session) Ask(ctx context.Context, message string) (*rag.Answer, error) {
	s.mu.Lock()
	course := s.course
	history := append([]models.Turn(nil), s.history...)
	s.mu.Unlock()

	if course == "" {
		return nil, ErrNoCourse
	}

	answer, err := s.answerer.Answer(ctx, rag.Request{
		Message: message,
		History: history,
		Course:  course,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.history = append(s.history, models.Turn{User: message, Assistant: answer.Text})
	s.mu.Unlock()
	return answer, nil
}

func (s *Session) History() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.history...)
}

// Clear forgets the conversation. The selected course is kept.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}
