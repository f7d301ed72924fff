// Package policy provides action selection strategies for actor sessions
package policy

// Policy interface for action selection
type Policy interface {
	// SelectAction chooses an action given the online Q-values for the
	// current step. It returns the action and the probability the policy
	// assigned to it.
	SelectAction(qValues []float32) (int32, float32, error)
}
