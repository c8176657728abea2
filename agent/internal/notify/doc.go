// Package notify provides Emitter, a small typed publish/subscribe primitive.
// Subscribe returns a disposer; disposers are safe to call more than once and
// removing one subscriber never affects the others.
package notify
