// Package creditcard validates and classifies card numbers and stores cards
// at the payment processor.
//
// Numbers are normalized to digits before any check. Classification walks a
// fixed table of network patterns; Maestro is tried last because its range
// overlaps MasterCard and others.
//
// The Vault never persists a number: it hands the card to the gateway,
// keeps the returned billing key, and clears the sensitive fields.
package creditcard
