// Package validation holds the pure input checks used at the edges of the
// service: password composition, E.164 phone numbers and tagged request
// structs.
package validation
