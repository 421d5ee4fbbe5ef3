//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock exists on Windows but has per-process quota limitations;
	// rely on explicit buffer wiping instead.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
