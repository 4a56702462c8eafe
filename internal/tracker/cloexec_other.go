//go:build !unix

package tracker

func markCloseOnExec(int) {}
