// Package ctrlflow flattens the control flow of LLVM IR functions: each
// function's block graph is rebuilt as a single dispatcher loop driven by an
// obfuscated state value, with optional secondary obfuscations (opaque
// arithmetic chains, keyed state hashing, delegated equality resolvers)
// layered on individual state checks.
package ctrlflow

import (
	"fmt"
	"math"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
	"golang.org/x/exp/slices"
)

const (
	// States and transform constants are drawn from [stateMin, 2^width-1],
	// away from the small constants common in program data.
	stateMin = 0x000F0000

	// maxHashTries bounds the per-branch search for collision-free hash
	// parameters; exhausting it aborts the run with an error.
	maxHashTries = 1 << 16

	sipHashName = "___siphash"
)

// Options holds the percentage knobs of one run. Every knob is consulted
// independently per condition check, so different branches of the same
// function receive different combinations.
type Options struct {
	Iterations         int // full per-function passes over the module
	ResolverChance     int // delegate the equality test to a helper function
	GlobalStateChance  int // hold the comparison target in a private global
	OpaqueChance       int // apply an opaque transform chain to the check
	GlobalOpaqueChance int // materialize opaque step constants as globals
	SipHashChance      int // route the check through the keyed hash
	CloneSipHashChance int // clone the hash definition per call site
}

// DefaultOptions returns the options of a plain flattening run with no
// secondary obfuscations.
func DefaultOptions() Options {
	return Options{Iterations: 1}
}

// Validate rejects iteration counts below one and chances outside [0, 100].
func (o Options) Validate() error {
	if o.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", o.Iterations)
	}
	chances := []struct {
		name  string
		value int
	}{
		{"use-func-resolver", o.ResolverChance},
		{"use-global-state", o.GlobalStateChance},
		{"use-opaque", o.OpaqueChance},
		{"use-global-opaque", o.GlobalOpaqueChance},
		{"use-siphash", o.SipHashChance},
		{"clone-siphash", o.CloneSipHashChance},
	}
	for _, c := range chances {
		if c.value < 0 || c.value > 100 {
			return fmt.Errorf("%s must be a percentage in [0, 100], got %d", c.name, c.value)
		}
	}
	return nil
}

// branchPlan is the combination of secondary obfuscations chosen for a
// single state check. It is drawn up front so the possible combinations stay
// explicit and enumerable rather than decided mid-emission.
type branchPlan struct {
	resolver     bool
	hash         bool
	cloneHash    bool
	opaque       bool
	globalTarget bool
}

func (o Options) drawPlan(r *Rand) branchPlan {
	return branchPlan{
		resolver:     r.Chance(o.ResolverChance),
		hash:         r.Chance(o.SipHashChance),
		cloneHash:    r.Chance(o.CloneSipHashChance),
		opaque:       r.Chance(o.OpaqueChance),
		globalTarget: r.Chance(o.GlobalStateChance),
	}
}

// pass carries the mutable state of one Obfuscate run: the module, the
// random stream, the shared hash definition and a counter for unique names.
// Nothing lives at package scope, so runs compose and test in isolation.
type pass struct {
	mod   *ir.Module
	opts  Options
	rand  *Rand
	width uint64 // dispatcher state width in bits, 32 or 64
	intTy *types.IntType

	hashFn *ir.Func          // shared keyed-hash definition, nil unless enabled
	synth  map[*ir.Func]bool // functions this run created; never flattened
	names  int
}

func (p *pass) name(base string) string {
	p.names++
	return fmt.Sprintf("%s.%d", base, p.names)
}

func (p *pass) maxState() uint64 {
	if p.width == 32 {
		return math.MaxUint32
	}
	return math.MaxUint64
}

func (p *pass) mask() uint64 { return p.maxState() }

// Obfuscate flattens every eligible function definition in m, Iterations
// times over, then scrambles the block layout of each function it touched.
// Functions with fewer than two blocks or with exception-handling edges are
// left byte-identical. The module is modified in place; on error it must be
// discarded, not written out.
func Obfuscate(m *ir.Module, opts Options, rng *Rand) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	p := &pass{
		mod:   m,
		opts:  opts,
		rand:  rng,
		width: moduleBitWidth(m),
		synth: make(map[*ir.Func]bool),
	}
	p.intTy = types.I64
	if p.width == 32 {
		p.intTy = types.I32
	}
	if opts.SipHashChance > 0 {
		p.hashFn = emitSipHashFunc(m, sipHashName)
		p.synth[p.hashFn] = true
	}

	flattened := make(map[*ir.Func]bool)
	for i := 0; i < opts.Iterations; i++ {
		// Resolvers and hash clones are appended to m.Funcs mid-iteration;
		// snapshot so the loop sees a stable set.
		funcs := slices.Clone(m.Funcs)
		for _, f := range funcs {
			if len(f.Blocks) == 0 || p.synth[f] {
				continue
			}
			done, err := p.flattenFunc(f)
			if err != nil {
				return err
			}
			if done {
				flattened[f] = true
			}
		}
	}

	for _, f := range m.Funcs {
		if flattened[f] {
			shuffleBlocks(f, p.rand)
			hoistAllocas(f)
		}
	}
	return nil
}

// moduleBitWidth derives the dispatcher state width from the module's data
// layout; a 32-bit pointer layout selects 32-bit states.
func moduleBitWidth(m *ir.Module) uint64 {
	if strings.Contains(m.DataLayout, "p:32") {
		return 32
	}
	return 64
}
