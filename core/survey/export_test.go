package survey

// SetNewKeyFunc swaps the field key generator until the returned func is called.
func SetNewKeyFunc(fn func() string) (restore func()) {
	orig := newKeyFunc
	newKeyFunc = fn
	return func() { newKeyFunc = orig }
}
