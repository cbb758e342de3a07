// Package trace reconstructs hierarchical execution traces per command.
package trace
