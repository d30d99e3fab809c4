// Package worker runs the external inference worker as one subprocess per
// job. The worker receives the asset path as its only argument; its stdout and
// stderr are accumulated until exit and returned on the job without being
// interpreted.
package worker
