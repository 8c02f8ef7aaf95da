package contact

import (
	"context"

	"github.com/rs/zerolog"
)

type Status string

const (
	StatusSent    Status = "sent"
	StatusInvalid Status = "invalid"
	StatusFailed  Status = "failed"
)

// Result tells the page what happened to a submitted form.
type Result struct {
	Status  Status       `json:"status"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// Service validates and delivers contact forms.
type Service struct {
	submitter Submitter
	log       zerolog.Logger
}

func NewService(submitter Submitter, logger *zerolog.Logger) *Service {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &Service{submitter: submitter, log: l}
}

func (s *Service) Submit(ctx context.Context, f Form) Result {
	f = f.Trimmed()
	if errs := Validate(f); len(errs) > 0 {
		s.log.Debug().Int("errors", len(errs)).Msg("Invalid contact form")
		return Result{
			Status:  StatusInvalid,
			Message: "Please correct the highlighted fields.",
			Errors:  errs,
		}
	}
	if err := s.submitter.Submit(ctx, f); err != nil {
		s.log.Error().Err(err).Msg("Could not deliver contact form")
		return Result{
			Status:  StatusFailed,
			Message: "Sorry, there was an error sending your message. Please try again later.",
		}
	}
	s.log.Info().Str("email", f.Email).Msg("Contact form delivered")
	return Result{
		Status:  StatusSent,
		Message: "Thank you for your message! I'll get back to you soon.",
	}
}
