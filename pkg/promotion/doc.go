// Package promotion moves bots through TRIALS, PAPER, SHADOW, CANARY and LIVE.
//
// Each stage has a gate set that must pass to leave it. A bot is promoted when
// either its latest evaluation or its best matrix cell passes on its own.
// CANARY never promotes automatically; passing its gates announces the bot as
// ready and ApproveLive performs the move. Demotion, auto-revert to a peak
// generation and HOLD suppression are handled by Machine.Process.
package promotion
