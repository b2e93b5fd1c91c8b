package testing

import "strings"

// MultiError aggregates the failures of a FileChecker run.
type MultiError []error

func (m MultiError) Error() string {
	messages := make([]string, 0, len(m))
	for _, err := range m {
		if err == nil {
			continue
		}
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "\n")
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (m MultiError) Unwrap() []error {
	return m
}

// AppendErr appends err to MultiError if err is not nil.
func AppendErr(m *MultiError, err error) {
	if err == nil {
		return
	}
	*m = append(*m, err)
}
