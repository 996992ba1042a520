//go:build !qihub_debug

package connmgr

// assertConsistency is a no-op outside debug builds (-tags qihub_debug).
func assertConsistency(*Manager) {}
