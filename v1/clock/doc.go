// Package clock estimates the document store's current time, compensating
// for network latency. Samples are taken sequentially so the last reading is
// the freshest, and latency is assumed symmetric: half of the average round
// trip is added to the final server timestamp.
package clock
