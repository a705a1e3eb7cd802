//go:build !windows

package firmware

func canSymlink() bool {
	return true
}
