package firmware

import "golang.org/x/sys/windows"

// Symlink creation needs an elevated token on Windows.
func canSymlink() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
