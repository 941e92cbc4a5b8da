package actions

// Result is the uniform outcome of a mutating action.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	// Reason is a machine-readable failure category; see the Reason constants.
	Reason Reason `json:"reason,omitempty"`
}

// Reason classifies a failed action.
type Reason string

const (
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonNotFound        Reason = "not_found"
	ReasonValidation      Reason = "validation"
	ReasonConflict        Reason = "conflict"
	ReasonFailed          Reason = "failed"
)

func succeeded[T any](data T, message string) Result[T] {
	return Result[T]{Success: true, Data: &data, Message: message}
}

func failed[T any](reason Reason, message string, err error) Result[T] {
	result := Result[T]{Success: false, Message: message, Reason: reason}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// Status tags the outcome of a read query so that "nothing found" and "query failed" are distinct.
type Status string

const (
	StatusFound           Status = "found"
	StatusNotFound        Status = "not_found"
	StatusUnauthenticated Status = "unauthenticated"
	StatusFailed          Status = "failed"
)

// Lookup is the tagged outcome of a read query.
type Lookup[T any] struct {
	Status Status `json:"status"`
	Value  T      `json:"value"`
	Error  string `json:"error,omitempty"`
}

// Found reports whether the lookup produced a value.
func (l Lookup[T]) Found() bool {
	return l.Status == StatusFound
}

func found[T any](value T) Lookup[T] {
	return Lookup[T]{Status: StatusFound, Value: value}
}

func missing[T any](status Status, err error) Lookup[T] {
	lookup := Lookup[T]{Status: status}
	if err != nil {
		lookup.Error = err.Error()
	}
	return lookup
}
