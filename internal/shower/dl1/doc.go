// Package dl1 defines the per-telescope image descriptors consumed by the
// shower reconstructors.
//
// Descriptors are produced upstream by image cleaning and moment analysis
// and are read-only for the whole reconstruction of an event. Nothing in
// this package computes them from pixels.
package dl1
