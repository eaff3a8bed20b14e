//go:build unix

package ram

import "golang.org/x/sys/unix"

// mapArena reserves an anonymous private mapping. Pages are committed by the
// host lazily, so large machines cost nothing until their frames are used.
func mapArena(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapArena(data []byte) error {
	return unix.Munmap(data)
}
