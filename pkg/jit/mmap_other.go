//go:build !unix

package jit

func mapCode(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapCode([]byte) error {
	return nil
}
