//go:build !unix

package ram

func mapArena(size uintptr) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapArena(_ []byte) error {
	return nil
}
