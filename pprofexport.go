package csprof

import (
	"github.com/google/pprof/profile"
)

// pprofBuilder accumulates the Location/Function caches a profile.Profile
// needs, keyed by call-site identity rather than by symbol (this core never
// resolves symbols, §1's Non-goals): each distinct IP becomes one Location
// and one Function, named only by its address, leaving symbolization to
// whatever consumes the resulting profile.
type pprofBuilder struct {
	locs map[uint64]*profile.Location
	prof *profile.Profile
}

func newPprofBuilder(metrics []MetricDescriptor) *pprofBuilder {
	p := &profile.Profile{
		TimeNanos: 0,
		Period:    1,
	}
	for _, m := range metrics {
		unit := "count"
		if m.Flags&MetricCountsEvents != 0 {
			unit = "events"
		}
		p.SampleType = append(p.SampleType, &profile.ValueType{Type: m.Name, Unit: unit})
	}
	return &pprofBuilder{locs: make(map[uint64]*profile.Location), prof: p}
}

func (b *pprofBuilder) locationForIP(ip uint64) *profile.Location {
	if l, ok := b.locs[ip]; ok {
		return l
	}
	fn := &profile.Function{
		ID:   uint64(len(b.prof.Function) + 1),
		Name: addrFuncName(ip),
	}
	b.prof.Function = append(b.prof.Function, fn)

	loc := &profile.Location{
		ID:      uint64(len(b.prof.Location) + 1),
		Address: ip,
		Line:    []profile.Line{{Function: fn}},
	}
	b.prof.Location = append(b.prof.Location, loc)
	b.locs[ip] = loc
	return loc
}

func addrFuncName(ip uint64) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, 18)
	buf = append(buf, '0', 'x')
	started := false
	for shift := 60; shift >= 0; shift -= 4 {
		nib := (ip >> uint(shift)) & 0xf
		if nib != 0 || started || shift == 0 {
			buf = append(buf, hex[nib])
			started = true
		}
	}
	return string(buf)
}

// addNode walks a subtree rooted at n, emitting one profile.Sample per node
// whose own metric vector has any nonzero exclusive value. The ancestry is
// collected root to leaf and reversed into the leaf-first Location order
// pprof expects, matching the innermost-first convention the unwinder
// itself uses.
func (b *pprofBuilder) addNode(n *Node, ancestry []*profile.Location) {
	var locs []*profile.Location
	if n.IP != 0 {
		loc := b.locationForIP(n.IP)
		locs = append(append([]*profile.Location{}, ancestry...), loc)
	} else {
		locs = ancestry
	}

	if hasNonzero(n.Metrics) {
		stack := make([]*profile.Location, len(locs))
		for i, l := range locs {
			stack[len(locs)-1-i] = l
		}
		values := make([]int64, len(n.Metrics))
		for i, v := range n.Metrics {
			values[i] = int64(v)
		}
		b.prof.Sample = append(b.prof.Sample, &profile.Sample{
			Location: stack,
			Value:    values,
		})
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.addNode(c, locs)
	}
}

func hasNonzero(vs []uint64) bool {
	for _, v := range vs {
		if v != 0 {
			return true
		}
	}
	return false
}

// BuildProfile converts one thread's CCT into a github.com/google/pprof
// profile.Profile, with samples keyed only by unresolved addresses: the
// tree's root-to-leaf calling context becomes each sample's Location stack.
func BuildProfile(metrics []MetricDescriptor, t *CCT) *profile.Profile {
	b := newPprofBuilder(metrics)
	b.addNode(t.Root, nil)
	return b.prof
}
