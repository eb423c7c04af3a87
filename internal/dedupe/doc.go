// Package dedupe tracks recently seen keys so that redelivered work can be
// dropped within a configurable window.
package dedupe
