package resume

// DecodeError is returned from List when a stored record cannot be parsed.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return "cannot decode resume record " + e.Key + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
