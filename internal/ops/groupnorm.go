package ops

import (
	"fmt"

	"github.com/23skdu/longbow-groupnorm/internal/cpu"
	"github.com/23skdu/longbow-groupnorm/internal/groupnorm"
)

// DefaultDomain is the custom-op domain the group norm kernel registers in.
const DefaultDomain = "longbow"

type groupNormKernel struct {
	k *groupnorm.Kernel
}

// GroupNorm returns the custom op for the group normalization kernel.
func GroupNorm() CustomOp {
	return CustomOp{
		Descriptor: groupnorm.KernelDescriptor(),
		CreateKernel: func(cfg groupnorm.Config) (Kernel, error) {
			k, err := groupnorm.NewKernel(cfg)
			if err != nil {
				return nil, err
			}
			return &groupNormKernel{k: k}, nil
		},
	}
}

// NewGroupNormSession builds a domain holding the group norm op and opens a
// session on it.
func NewGroupNormSession(ctx *cpu.Context, opts Options) (*Session, error) {
	d := NewDomain(DefaultDomain)
	if err := d.Add(GroupNorm()); err != nil {
		return nil, err
	}
	return NewSession(d, groupnorm.OpName, ctx, opts)
}

func (g *groupNormKernel) Compute(inputs []*cpu.Tensor, output *cpu.Tensor) error {
	x, numGroups, scale, bias := inputs[0], inputs[1], inputs[2], inputs[3]
	if numGroups.Len() != 1 {
		return &groupnorm.ShapeMismatchError{
			Op:  groupnorm.OpName,
			Msg: fmt.Sprintf("%s must hold one element, got %d", groupnorm.InputNumGroups, numGroups.Len()),
		}
	}
	return g.k.Compute(x.Data(), x.Shape(), numGroups.Data()[0], scale.Data(), bias.Data(), output.Data())
}
