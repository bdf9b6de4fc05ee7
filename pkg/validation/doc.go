// Package validation holds the field-keyed error set returned when card or
// subscription input is rejected.
//
//	errs := validation.New()
//	errs.Add("first_name", "cannot be empty")
//	return errs.Err()
//
// Callers test for it with IsValidation or errors.As.
package validation
