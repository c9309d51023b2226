package core

// validation.go checks a candidate file before it enters the workflow.
//
// Only the declared media type is inspected. The payload is never parsed, so
// a file declared as text/csv is accepted regardless of what it contains.

// DefaultAcceptedType is the media type identifier of the accepted tabular format.
const DefaultAcceptedType = "text/csv"

// MsgInvalidType is shown when a file of the wrong type is selected.
const MsgInvalidType = "Upload error: Please select only CSV file."

// Validator rejects files whose declared type is not the accepted one.
type Validator struct {
	Accepted string // Exact media type to accept (default: text/csv)
}

// NewValidator creates a validator for the given media type.
// An empty type falls back to DefaultAcceptedType.
func NewValidator(accepted string) Validator {
	if accepted == "" {
		accepted = DefaultAcceptedType
	}
	return Validator{Accepted: accepted}
}

// Validate returns the candidate unchanged if its declared type matches
// exactly, or an *ErrorInfo of kind ErrInvalidType otherwise.
func (v Validator) Validate(candidate SourceFile) (SourceFile, error) {
	accepted := v.Accepted
	if accepted == "" {
		accepted = DefaultAcceptedType
	}

	if candidate.MediaType != accepted {
		return SourceFile{}, &ErrorInfo{
			Kind:    ErrInvalidType,
			Message: MsgInvalidType,
		}
	}
	return candidate, nil
}
