package registry

import (
	"errors"
	"fmt"

	"github.com/pearlops/pearld/pkg/types"
)

// ErrUnknownProgram is returned for staking program ids outside the table.
var ErrUnknownProgram = errors.New("unknown staking program")

// programRow is one compiled entry of the staking program set. CanMigrateTo
// is never authored here: it is derived in NewProgramRegistry so adding a
// program updates every row's migration targets.
type programRow struct {
	id           types.StakingProgramID
	name         string
	homeChain    types.ChainID
	deprecated   bool
	agentsNeeded uint64
}

var programRows = []programRow{
	{types.ProgramPearlAlpha, "Pearl Alpha", types.ChainGnosis, true, 1},
	{types.ProgramPearlBeta, "Pearl Beta", types.ChainGnosis, false, 1},
	{types.ProgramPearlBeta2, "Pearl Beta 2", types.ChainGnosis, false, 1},
	{types.ProgramPearlBeta3, "Pearl Beta 3", types.ChainMode, false, 1},
}

// ProgramRegistry resolves staking program ids to their metadata.
type ProgramRegistry struct {
	metas map[types.StakingProgramID]types.StakingProgramMeta
	order []types.StakingProgramID
}

// NewProgramRegistry builds the program table and derives each row's
// CanMigrateTo set: every non-deprecated program except the row itself.
// Deprecated source programs get the same computation, so a service parked
// in a retired program always sees its ways out.
func NewProgramRegistry() *ProgramRegistry {
	r := &ProgramRegistry{metas: make(map[types.StakingProgramID]types.StakingProgramMeta, len(programRows))}

	for _, row := range programRows {
		targets := make([]types.StakingProgramID, 0, len(programRows)-1)
		for _, other := range programRows {
			if other.id == row.id || other.deprecated {
				continue
			}
			targets = append(targets, other.id)
		}

		r.metas[row.id] = types.StakingProgramMeta{
			ID:           row.id,
			Name:         row.name,
			Deprecated:   row.deprecated,
			AgentsNeeded: row.agentsNeeded,
			CanMigrateTo: targets,
		}
		r.order = append(r.order, row.id)
	}

	return r
}

// MetaFor returns the metadata for a program id.
func (r *ProgramRegistry) MetaFor(id types.StakingProgramID) (types.StakingProgramMeta, error) {
	meta, ok := r.metas[id]
	if !ok {
		return types.StakingProgramMeta{}, fmt.Errorf("%w: %q", ErrUnknownProgram, id)
	}
	return meta, nil
}

// All returns every program in table order.
func (r *ProgramRegistry) All() []types.StakingProgramMeta {
	out := make([]types.StakingProgramMeta, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.metas[id])
	}
	return out
}

// HomeChain returns the chain a program's canonical deployment lives on.
func (r *ProgramRegistry) HomeChain(id types.StakingProgramID) (types.ChainID, error) {
	if _, err := r.MetaFor(id); err != nil {
		return 0, err
	}
	for _, row := range programRows {
		if row.id == id {
			return row.homeChain, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownProgram, id)
}
