// Package engine runs the prediction pipeline for one upload at a time: it
// stores the asset, invokes the worker, interprets the result, records the job
// and always releases the asset before returning.
package engine
