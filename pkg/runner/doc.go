// Package runner executes hook and source containers. The Runner port
// takes a Spec (image, env, bind mounts, limits) and returns the exit
// code; the readers in this package parse the container protocol files
// the images write (result.json, features.json, records.jsonl,
// session.json). The containerd adapter is the production
// implementation, the fake the test one.
package runner
