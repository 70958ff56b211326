package gpuarray

import (
	"github.com/pkg/errors"
)

// Node is the view this package needs of a graph IR node: its ordered
// operands, and the ability to write back the normalized operands and the
// chosen execution context. The graph IR itself is a collaborator, not part
// of this module.
type Node interface {
	// Operands returns the node's ordered input values.
	Operands() []Value

	// ReplaceOperands overwrites the node's inputs with the normalized,
	// device-resident values. Same length and order as Operands.
	ReplaceOperands(operands []Value)

	// BindContext records the context the node will execute on.
	BindContext(ctx *Context)
}

// PrepareNode runs the node construction step: it infers the execution
// context from the node's operands, normalizes every operand onto it with
// ToDevice, and writes both back into the node.
//
// When no operand carries a context, fallback is used if non-nil; a nil
// fallback propagates ErrNoContext. The fallback is deliberately an explicit
// parameter: a "create on device" operation with no device-bound inputs must
// name its context, it is never guessed.
func PrepareNode(n Node, fallback *Context) (*Context, error) {
	operands := n.Operands()
	ctx, err := InferExecutionContext(operands...)
	if err != nil {
		if !errors.Is(err, ErrNoContext) || fallback == nil {
			return nil, err
		}
		ctx = fallback
	}
	normalized := make([]Value, len(operands))
	for i, operand := range operands {
		dv, err := ToDevice(operand, ctx)
		if err != nil {
			return nil, errors.WithMessagef(err, "normalizing operand %d", i)
		}
		normalized[i] = dv
	}
	n.ReplaceOperands(normalized)
	n.BindContext(ctx)
	return ctx, nil
}
