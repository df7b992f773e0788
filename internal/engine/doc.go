// Package engine implements the speculative execution core. It owns
// workflow sessions, launches predicted tasks ahead of confirmation
// when their confidence clears the adaptive threshold, reconciles
// speculation against each real next-step decision with cancellation
// and waste accounting, and feeds every outcome to the learning loop.
package engine
