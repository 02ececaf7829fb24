//go:build !linux

package process

// FindTCP is only implemented for linux procfs.
func FindTCP(src string) (*Info, error) {
	return nil, ErrNotFound
}
