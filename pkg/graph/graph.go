// Package graph implements the Resource Graph & Plan Engine: it projects
// the State Store's desired slice into a dependency graph, validates a
// batch of operations against it, and produces an opaque, stale-checked
// plan. Grounded on the teacher's Command{Op, Data} dispatch shape (one
// tagged operation type fed through a single apply path) and the
// scheduler's struct-with-mutex-and-uuid layout.
package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/metrics"
	"github.com/rng-ops/infrasim/pkg/storage"
	"github.com/rng-ops/infrasim/pkg/types"
)

// Op is one requested mutation in a plan.
type Op struct {
	Action  Action
	Kind    types.ResourceKind
	ID      string // required for update/delete; optional for create
	Network *types.Network
	Volume  *types.Volume
	Guest   *types.Guest
}

// Action is the kind of mutation an Op requests.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// node is one resource in the projected graph.
type node struct {
	kind types.ResourceKind
	id   string
}

// edge is a dependency: from depends on to (to must exist before from is
// created, and from must be removed before to can be).
type edge struct {
	from node
	to   node
}

// Graph is a snapshot of the desired-state dependency graph.
type Graph struct {
	nodes []node
	edges []edge
}

// Snapshot projects the current desired graph from store: every Network,
// Volume, and Guest as a node, plus Guest→Volume and Guest→Network edges
// for each reference.
func Snapshot(store storage.Store) (*Graph, error) {
	g := &Graph{}

	networks, err := store.ListNetworks()
	if err != nil {
		return nil, err
	}
	for _, n := range networks {
		g.nodes = append(g.nodes, node{kind: types.KindNetwork, id: n.ID})
	}

	volumes, err := store.ListVolumes()
	if err != nil {
		return nil, err
	}
	for _, v := range volumes {
		g.nodes = append(g.nodes, node{kind: types.KindVolume, id: v.ID})
	}

	guests, err := store.ListGuests()
	if err != nil {
		return nil, err
	}
	for _, gst := range guests {
		gn := node{kind: types.KindGuest, id: gst.ID}
		g.nodes = append(g.nodes, gn)
		for _, ref := range gst.VolumeRefs {
			g.edges = append(g.edges, edge{from: gn, to: node{kind: types.KindVolume, id: ref.VolumeID}})
		}
		for _, ref := range gst.NetworkRefs {
			g.edges = append(g.edges, edge{from: gn, to: node{kind: types.KindNetwork, id: ref.NetworkID}})
		}
	}

	snapshots, err := store.ListSnapshots()
	if err != nil {
		return nil, err
	}
	for _, snap := range snapshots {
		sn := node{kind: types.KindSnapshot, id: snap.ID}
		g.nodes = append(g.nodes, sn)
		g.edges = append(g.edges, edge{from: sn, to: node{kind: types.KindGuest, id: snap.GuestID}})
	}

	return g, nil
}

func (g *Graph) hasNode(kind types.ResourceKind, id string) bool {
	for _, n := range g.nodes {
		if n.kind == kind && n.id == id {
			return true
		}
	}
	return false
}

func (g *Graph) removeNode(kind types.ResourceKind, id string) {
	out := g.nodes[:0]
	for _, n := range g.nodes {
		if n.kind == kind && n.id == id {
			continue
		}
		out = append(out, n)
	}
	g.nodes = out
}

func (g *Graph) dependents(kind types.ResourceKind, id string) []node {
	target := node{kind: kind, id: id}
	var out []node
	for _, e := range g.edges {
		if e.to == target {
			out = append(out, e.from)
		}
	}
	return out
}

// Plan is the result of validating a batch of Ops against a Graph snapshot.
type Plan struct {
	ID        string
	Ops       []Op
	CreatedAt time.Time
	baseSeq   uint64 // desired-graph changelog seq the plan was built against
}

// Warning is a non-fatal observation from Validate.
type Warning struct {
	ResourceKind types.ResourceKind
	ResourceID   string
	Message      string
}

// Engine validates operation batches into Plans and keeps each one, with
// the changelog seq it was built against, so Apply can detect staleness.
// A plan is dropped only when Apply commits it; unapplied plans are kept
// with no expiry.
type Engine struct {
	store storage.Store

	mu    sync.Mutex
	plans map[string]*Plan
}

// NewEngine builds a plan engine over store.
func NewEngine(store storage.Store) *Engine {
	return &Engine{
		store: store,
		plans: make(map[string]*Plan),
	}
}

// Snapshot projects the current desired graph.
func (e *Engine) Snapshot() (*Graph, error) {
	return Snapshot(e.store)
}

// Plan validates ops against the current desired graph and, if they all
// succeed, returns an opaque plan id retained for a later Apply.
func (e *Engine) Plan(ops []Op) (*Plan, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlanDuration)

	g, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	baseSeq, err := e.store.LatestSeq()
	if err != nil {
		return nil, err
	}

	if err := validateOps(g, ops); err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        uuid.NewString(),
		Ops:       ops,
		CreatedAt: time.Now(),
		baseSeq:   baseSeq,
	}

	e.mu.Lock()
	e.plans[plan.ID] = plan
	e.mu.Unlock()

	return plan, nil
}

// Apply commits a previously-built plan. It fails with a Conflict error if
// the desired graph changed since the plan was built (plan_stale).
func (e *Engine) Apply(planID string) error {
	e.mu.Lock()
	plan, ok := e.plans[planID]
	e.mu.Unlock()
	if !ok {
		return errkind.Newf(errkind.NotFound, "no such plan: %s", planID)
	}

	currentSeq, err := e.store.LatestSeq()
	if err != nil {
		return err
	}
	if currentSeq != plan.baseSeq {
		return errkind.Newf(errkind.Conflict, "plan %s is stale: desired graph changed since planning", planID)
	}

	for _, op := range plan.Ops {
		if err := applyOp(e.store, op); err != nil {
			return err
		}
	}

	e.mu.Lock()
	delete(e.plans, planID)
	e.mu.Unlock()
	return nil
}

// Validate is a read-only pass that surfaces warnings about the current
// desired graph without mutating anything.
func (e *Engine) Validate() ([]Warning, error) {
	g, err := e.Snapshot()
	if err != nil {
		return nil, err
	}

	var warnings []Warning
	for _, n := range g.nodes {
		if n.kind != types.KindVolume {
			continue
		}
		if len(g.dependents(n.kind, n.id)) == 0 {
			warnings = append(warnings, Warning{ResourceKind: n.kind, ResourceID: n.id, Message: "orphan volume: no guest references it"})
		}
	}
	for _, n := range g.nodes {
		if n.kind != types.KindNetwork {
			continue
		}
		if len(g.dependents(n.kind, n.id)) == 0 {
			warnings = append(warnings, Warning{ResourceKind: n.kind, ResourceID: n.id, Message: "unreachable network: no guest references it"})
		}
	}
	return warnings, nil
}

// validateOps applies each op to a working copy of g, checking schemas,
// cross-references, cycles, and in-use delete guards.
func validateOps(g *Graph, ops []Op) error {
	for _, op := range ops {
		switch op.Action {
		case ActionCreate:
			if err := validateCreate(g, op); err != nil {
				return err
			}
			g.nodes = append(g.nodes, node{kind: op.Kind, id: idFor(op)})
			if op.Kind == types.KindGuest && op.Guest != nil {
				addGuestEdges(g, op.Guest)
			}

		case ActionUpdate:
			if op.ID == "" {
				return errkind.Newf(errkind.Validation, "update op for %s missing id", op.Kind)
			}
			if !g.hasNode(op.Kind, op.ID) {
				return errkind.Newf(errkind.NotFound, "%s %s not found", op.Kind, op.ID)
			}
			if op.Kind == types.KindGuest && op.Guest != nil {
				addGuestEdges(g, op.Guest)
			}

		case ActionDelete:
			if op.ID == "" {
				return errkind.Newf(errkind.Validation, "delete op for %s missing id", op.Kind)
			}
			if !g.hasNode(op.Kind, op.ID) {
				return errkind.Newf(errkind.NotFound, "%s %s not found", op.Kind, op.ID)
			}
			if deps := g.dependents(op.Kind, op.ID); len(deps) > 0 {
				return errkind.Newf(errkind.Conflict, "%s %s is in_use by %d dependent resource(s)", op.Kind, op.ID, len(deps))
			}
			g.removeNode(op.Kind, op.ID)

		default:
			return errkind.Newf(errkind.Validation, "unknown op action: %s", op.Action)
		}
	}

	if cyclePath, ok := detectCycle(g); ok {
		return errkind.Newf(errkind.Validation, "desired graph contains a cycle: %v", cyclePath)
	}
	return nil
}

func validateCreate(g *Graph, op Op) error {
	id := idFor(op)
	if id == "" {
		return errkind.Newf(errkind.Validation, "create op for %s missing payload id", op.Kind)
	}
	if g.hasNode(op.Kind, id) {
		return errkind.Newf(errkind.Conflict, "%s %s already exists", op.Kind, id)
	}

	if op.Kind == types.KindGuest && op.Guest != nil {
		for _, ref := range op.Guest.VolumeRefs {
			if !g.hasNode(types.KindVolume, ref.VolumeID) {
				return errkind.Newf(errkind.Validation, "guest %s references unknown volume %s", id, ref.VolumeID)
			}
		}
		for _, ref := range op.Guest.NetworkRefs {
			if !g.hasNode(types.KindNetwork, ref.NetworkID) {
				return errkind.Newf(errkind.Validation, "guest %s references unknown network %s", id, ref.NetworkID)
			}
		}
	}
	return nil
}

func addGuestEdges(g *Graph, guest *types.Guest) {
	gn := node{kind: types.KindGuest, id: guest.ID}
	for _, ref := range guest.VolumeRefs {
		g.edges = append(g.edges, edge{from: gn, to: node{kind: types.KindVolume, id: ref.VolumeID}})
	}
	for _, ref := range guest.NetworkRefs {
		g.edges = append(g.edges, edge{from: gn, to: node{kind: types.KindNetwork, id: ref.NetworkID}})
	}
}

func idFor(op Op) string {
	switch op.Kind {
	case types.KindNetwork:
		if op.Network != nil {
			return op.Network.ID
		}
	case types.KindVolume:
		if op.Volume != nil {
			return op.Volume.ID
		}
	case types.KindGuest:
		if op.Guest != nil {
			return op.Guest.ID
		}
	}
	return op.ID
}

// detectCycle runs a DFS over g's edges, returning the first cycle found.
func detectCycle(g *Graph) ([]node, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[node]int, len(g.nodes))
	for _, n := range g.nodes {
		color[n] = white
	}

	adjacency := make(map[node][]node)
	for _, e := range g.edges {
		adjacency[e.from] = append(adjacency[e.from], e.to)
	}

	var path []node
	var visit func(n node) ([]node, bool)
	visit = func(n node) ([]node, bool) {
		color[n] = gray
		path = append(path, n)
		for _, next := range adjacency[n] {
			switch color[next] {
			case gray:
				return append(path, next), true
			case white:
				if cyc, found := visit(next); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil, false
	}

	for _, n := range g.nodes {
		if color[n] == white {
			if cyc, found := visit(n); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

func applyOp(store storage.Store, op Op) error {
	switch op.Kind {
	case types.KindNetwork:
		return applyNetworkOp(store, op)
	case types.KindVolume:
		return applyVolumeOp(store, op)
	case types.KindGuest:
		return applyGuestOp(store, op)
	default:
		return errkind.Newf(errkind.Validation, "unsupported resource kind: %s", op.Kind)
	}
}

func applyNetworkOp(store storage.Store, op Op) error {
	switch op.Action {
	case ActionCreate:
		return store.CreateNetwork(op.Network)
	case ActionUpdate:
		existing, err := store.GetNetwork(op.Network.ID)
		if err != nil {
			return err
		}
		return store.UpdateNetwork(op.Network, existing.Version)
	case ActionDelete:
		return store.DeleteNetwork(op.ID)
	}
	return fmt.Errorf("unreachable")
}

func applyVolumeOp(store storage.Store, op Op) error {
	switch op.Action {
	case ActionCreate:
		return store.CreateVolume(op.Volume)
	case ActionUpdate:
		existing, err := store.GetVolume(op.Volume.ID)
		if err != nil {
			return err
		}
		return store.UpdateVolume(op.Volume, existing.Version)
	case ActionDelete:
		return store.DeleteVolume(op.ID)
	}
	return fmt.Errorf("unreachable")
}

func applyGuestOp(store storage.Store, op Op) error {
	switch op.Action {
	case ActionCreate:
		return store.CreateGuest(op.Guest)
	case ActionUpdate:
		existing, err := store.GetGuest(op.Guest.ID)
		if err != nil {
			return err
		}
		return store.UpdateGuest(op.Guest, existing.Version)
	case ActionDelete:
		return store.DeleteGuest(op.ID)
	}
	return fmt.Errorf("unreachable")
}
