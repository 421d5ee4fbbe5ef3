//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// Cannot prevent swapping on unsupported platforms; buffers are still
	// wiped after use.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
