// Package registry tracks live peer connections and their liveness.
package registry
