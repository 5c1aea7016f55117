package schema

import (
	"strings"

	"github.com/glimte/cqrsbus-go/contracts"
)

// Convert normalizes validator failures into contract field errors. Field paths
// lose a leading "." or "/" so errors from other validators line up with ours.
func Convert(errs []ValidationError) []contracts.FieldError {
	if len(errs) == 0 {
		return nil
	}

	out := make([]contracts.FieldError, 0, len(errs))
	for _, e := range errs {
		field := strings.TrimLeft(strings.ReplaceAll(e.Field, "/", "."), ".")
		if field == "" {
			field = "command"
		}
		out = append(out, contracts.FieldError{
			Field:   field,
			Message: e.Message,
			Code:    e.Code,
		})
	}
	return out
}
