//go:build !qihub_debug

package handlers

// assertConsistency is a no-op outside debug builds (-tags qihub_debug).
func (r *Registry) assertConsistency() {}
