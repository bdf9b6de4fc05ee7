package validation

import (
	"errors"
	"strings"
)

// Errors collects validation messages per field, in the order the fields
// first failed
type Errors struct {
	fields map[string][]string
	order  []string
}

// New returns an empty error set
func New() *Errors {
	return &Errors{fields: make(map[string][]string)}
}

// Add records msg against field
func (e *Errors) Add(field, msg string) {
	if e.fields == nil {
		e.fields = make(map[string][]string)
	}
	if _, seen := e.fields[field]; !seen {
		e.order = append(e.order, field)
	}
	e.fields[field] = append(e.fields[field], msg)
}

// On returns the messages recorded for field
func (e *Errors) On(field string) []string {
	if e == nil {
		return nil
	}
	return e.fields[field]
}

// Has reports whether field has at least one message
func (e *Errors) Has(field string) bool {
	return len(e.On(field)) > 0
}

// Fields returns the failing field names
func (e *Errors) Fields() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Empty reports whether nothing failed
func (e *Errors) Empty() bool {
	return e == nil || len(e.order) == 0
}

// Err returns e as an error, or nil when empty
func (e *Errors) Err() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *Errors) Error() string {
	parts := make([]string, 0, len(e.order))
	for _, field := range e.order {
		for _, msg := range e.fields[field] {
			parts = append(parts, field+" "+msg)
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err carries validation errors
func IsValidation(err error) bool {
	var verr *Errors
	return errors.As(err, &verr)
}
