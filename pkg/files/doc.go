// Package files owns the archive's on-disk layout: deposition file
// trees, source-run staging and output directories, and hook
// workspaces. All paths derive from SRNs through a traversal guard.
package files
