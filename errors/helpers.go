package errors

// Wrap attaches op, component and kind to err. A nil err stays nil.
func Wrap(err error, op Operation, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(op, Component(component), kind, err)
}
