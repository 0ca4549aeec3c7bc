package validate

import "strings"

// Result is the outcome of a validation. Errors make it invalid; warnings do not.
type Result struct {
	Valid    bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// OK returns an empty, valid result.
func OK() Result {
	return Result{Valid: true, Errors: []string{}, Warnings: []string{}}
}

func (r *Result) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
}

func (r *Result) addWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// merge appends other's messages, keeping order.
func (r *Result) merge(other Result) {
	for _, e := range other.Errors {
		r.addError(e)
	}
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Message joins all errors into one line.
func (r Result) Message() string {
	return strings.Join(r.Errors, "; ")
}
