// Package autonomy scores how far a bot can be trusted to run without an
// operator.
//
// The score is the sum of five independently capped dimensions:
//
//	data reliability   0-20
//	decision quality   0-25
//	risk discipline    0-20
//	execution health   0-20
//	supervisor trust   0-15
//
// Compute is pure. Scorer gathers the inputs from storage and persists the
// result every cycle; the promotion gates read it back as the score floor.
package autonomy
