package models

// ErrorKind classifies failures inside the engine loops.
type ErrorKind string

const (
	KindConnectivity ErrorKind = "connectivity"
	KindAdmission    ErrorKind = "admission"
	KindData         ErrorKind = "data"
	KindConsistency  ErrorKind = "consistency"
	KindPersistence  ErrorKind = "persistence"
)

// KindError tags an error with its ErrorKind.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}
