// Package kernel contains types shared across the loader's sub-packages.
package kernel

// Error describes a fatal kernel error. All kernel errors are defined as
// package-level variables that are pointers to Error. This requirement
// stems from the fact that no memory allocator is available while the
// loader runs, so errors.New/fmt.Errorf cannot be used.
type Error struct {
	// Module is the component where the error occurred.
	Module string

	// Message is the static, human-readable error description.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
