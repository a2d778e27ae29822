package registrar

import (
	"regexp"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

var (
	termPattern = regexp.MustCompile(`^[0-9]{6}$`)
	crnPattern  = regexp.MustCompile(`^[0-9]{5,6}$`)
)

// ValidateKey rejects keys the registrar could never answer for.
func ValidateKey(key crnwatch.Key) error {
	if !termPattern.MatchString(key.Term) {
		return &crnwatch.ValidationError{Field: "term", Reason: "must be a 6 digit term code"}
	}
	if !crnPattern.MatchString(key.CRN) {
		return &crnwatch.ValidationError{Field: "crn", Reason: "must be 5 or 6 digits"}
	}

	return nil
}
