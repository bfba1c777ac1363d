//go:build windows

package stuck

func captureNativeStacks(pid int) []ThreadStack { return nil }
