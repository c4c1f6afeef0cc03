// Package adherence owns the reminder lifecycle between firing and
// resolution. The coordinator validates every state transition, applies
// the confirmation side effects (quantity decrement, habit completion,
// adherence event), runs the grace-window worker that times out fired
// reminders into missed, and publishes outcome events for the coaching
// engine.
package adherence
