package storage

import "fmt"

// ExecutionError is a failed statement or load. Table is empty for DDL.
type ExecutionError struct {
	Op    string
	Table string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ConnectionError is a failure to reach or bootstrap the database.
type ConnectionError struct {
	Kind     string
	Database string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("storage %s: connect %q: %v", e.Kind, e.Database, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
