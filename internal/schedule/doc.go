// Package schedule holds the weekly arming windows and the evaluator loop
// that arms or disarms the alarm when the current time enters or leaves them.
package schedule
