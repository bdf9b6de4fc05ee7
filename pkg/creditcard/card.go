package creditcard

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/platinummonkey/freemium/pkg/gateway"
	"github.com/platinummonkey/freemium/pkg/validation"
)

// ValidationError is returned when card data is rejected
type ValidationError = validation.Errors

// StorageError is returned when the processor refuses to store a card
type StorageError struct {
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credit card storage failed: %s: %v", e.Message, e.Err)
	}
	return "credit card storage failed: " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Card is a stored payment card. Only DisplayNumber, CardType,
// ExpirationDate, BillingKey and ZipCode are persisted; the rest is held
// while the card is being stored at the processor and cleared afterwards.
type Card struct {
	ID             int64
	DisplayNumber  string
	CardType       string
	ExpirationDate time.Time
	BillingKey     string
	ZipCode        string

	Number            string
	FirstName         string
	LastName          string
	Month             int
	Year              int
	StartMonth        int
	StartYear         int
	IssueNumber       string
	VerificationValue string
}

// Changed reports whether new card data has been assigned
func (c *Card) Changed() bool {
	return c.Number != "" ||
		c.FirstName != "" ||
		c.LastName != "" ||
		c.Month != 0 ||
		c.Year != 0 ||
		c.StartMonth != 0 ||
		c.StartYear != 0 ||
		c.IssueNumber != "" ||
		c.VerificationValue != ""
}

// Sanitize normalizes the number, infers the type and derives the display
// number and expiration date
func (c *Card) Sanitize() {
	if c.Number != "" {
		c.Number = Normalize(c.Number)
		c.DisplayNumber = LastDigits(c.Number)
		if c.CardType == "" {
			c.CardType = Classify(c.Number)
		}
	}
	c.CardType = strings.ToLower(c.CardType)

	if c.Year > 0 && c.Year < 100 {
		c.Year += 2000
	}
	if c.Year > 0 && validMonth(c.Month) {
		c.ExpirationDate = ExpirationDate(c.Year, c.Month)
	}
}

// ExpirationDate is the last day of the given month
func ExpirationDate(year, month int) time.Time {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC)
}

// Expired reports whether the card's expiration date is before today
func (c *Card) Expired(today time.Time) bool {
	if c.ExpirationDate.IsZero() {
		return false
	}
	y, m, d := today.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).After(c.ExpirationDate)
}

// Name is "First Last"
func (c *Card) Name() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// DisplayType is the customer-facing network name
func (c *Card) DisplayType() string {
	return DisplayName(c.CardType)
}

// Description is recorded on each transaction, e.g. "Visa 1111"
func (c *Card) Description() string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.DisplayType() + " " + c.DisplayNumber)
}

// Details is the payload handed to the processor
func (c *Card) Details() gateway.CardDetails {
	return gateway.CardDetails{
		Number:            c.Number,
		CardType:          c.CardType,
		FirstName:         c.FirstName,
		LastName:          c.LastName,
		Month:             c.Month,
		Year:              c.Year,
		VerificationValue: c.VerificationValue,
		StartMonth:        c.StartMonth,
		StartYear:         c.StartYear,
		IssueNumber:       c.IssueNumber,
	}
}

// Address is the billing address sent with the card
func (c *Card) Address() gateway.Address {
	return gateway.Address{Zip: c.ZipCode}
}

func (c *Card) clearSensitive() {
	c.Number = ""
	c.FirstName = ""
	c.LastName = ""
	c.Month = 0
	c.Year = 0
	c.StartMonth = 0
	c.StartYear = 0
	c.IssueNumber = ""
	c.VerificationValue = ""
}

// Validate checks freshly assigned card data as of now. Cards with nothing
// assigned are not checked. Call Sanitize first.
func (c *Card) Validate(now time.Time) error {
	if !c.Changed() {
		return nil
	}

	errs := validation.New()
	c.validateEssentials(errs, now)

	if c.CardType == Bogus {
		return errs.Err()
	}

	c.validateType(errs)
	c.validateNumber(errs)
	c.validateSwitchOrSolo(errs)

	return errs.Err()
}

func (c *Card) validateEssentials(errs *validation.Errors, now time.Time) {
	if strings.TrimSpace(c.FirstName) == "" {
		errs.Add("first_name", "cannot be empty")
	}
	if strings.TrimSpace(c.LastName) == "" {
		errs.Add("last_name", "cannot be empty")
	}
	if !validMonth(c.Month) {
		errs.Add("month", "is not a valid month")
	}
	if c.Expired(now) {
		errs.Add("year", "expired")
	}
	if c.Year < now.Year() || c.Year > now.Year()+20 {
		errs.Add("year", "is not a valid year")
	}
}

func (c *Card) validateType(errs *validation.Errors) {
	if c.CardType == "" {
		errs.Add("card_type", "is required")
	}
	if !KnownType(c.CardType) {
		errs.Add("card_type", "is invalid")
	}
}

func (c *Card) validateNumber(errs *validation.Errors) {
	if !ValidNumber(c.Number) {
		errs.Add("number", "is not a valid credit card number")
	}
	if errs.Has("number") || errs.Has("card_type") {
		return
	}
	if !MatchesType(c.Number, c.CardType) {
		errs.Add("card_type", "is not the correct card type")
	}
}

func (c *Card) validateSwitchOrSolo(errs *validation.Errors) {
	if c.CardType != Switch && c.CardType != Solo {
		return
	}
	if (validMonth(c.StartMonth) && validStartYear(c.StartYear)) || validIssueNumber(c.IssueNumber) {
		return
	}
	if !validMonth(c.StartMonth) {
		errs.Add("start_month", "is invalid")
	}
	if !validStartYear(c.StartYear) {
		errs.Add("start_year", "is invalid")
	}
	if !validIssueNumber(c.IssueNumber) {
		errs.Add("issue_number", "cannot be empty")
	}
}

func validMonth(month int) bool {
	return month >= 1 && month <= 12
}

func validStartYear(year int) bool {
	return year > 1987 && year <= 9999
}

var issueNumber = regexp.MustCompile(`^\d{1,2}$`)

func validIssueNumber(number string) bool {
	return issueNumber.MatchString(number)
}
