package depgraph

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/modloader/pkg/moderr"
	"github.com/lk2023060901/modloader/pkg/module"
)

func desc(id string, deps ...string) module.Descriptor {
	return module.Descriptor{ID: id, DependencyIDs: deps}
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestSortKeepsPreferredOrderForUnconstrainedMods(t *testing.T) {
	r := New([]module.Descriptor{desc("A"), desc("B"), desc("C")})

	order, err := r.Sort([]string{"C", "A", "B"}, []string{"C", "A", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, order)
}

func TestSortPlacesDependenciesBeforeDependents(t *testing.T) {
	r := New([]module.Descriptor{desc("A", "Z"), desc("B"), desc("Z")})

	order, err := r.Sort([]string{"A", "B"}, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Z", "A", "B"}, order)
}

func TestSortOptionalDependencies(t *testing.T) {
	r := New([]module.Descriptor{
		{ID: "A", OptionalDependencyIDs: []string{"B", "missing"}},
		desc("B"),
	})

	order, err := r.Sort([]string{"A"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, order)

	order, err = r.Sort([]string{"A", "B"}, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, order)
}

func TestSortMissingDependency(t *testing.T) {
	r := New([]module.Descriptor{desc("E", "C")})

	_, err := r.Sort([]string{"E"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, moderr.ErrDependencyNotFound))

	var missing *moderr.DependencyNotFoundError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "E", missing.Dependent)
	assert.Equal(t, "C", missing.Missing)
}

func TestSortUnknownRequested(t *testing.T) {
	r := New(nil)
	_, err := r.Sort([]string{"nope"}, nil)
	assert.True(t, errors.Is(err, moderr.ErrModNotFound))
}

func TestSortCycle(t *testing.T) {
	r := New([]module.Descriptor{desc("A", "B"), desc("B", "C"), desc("C", "A"), desc("D")})

	_, err := r.Sort([]string{"D", "A"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, moderr.ErrCyclicDependency))

	var cyclic *moderr.CyclicDependencyError
	require.True(t, errors.As(err, &cyclic))
	assert.Contains(t, []string{"A", "B", "C"}, cyclic.ModID)
	assert.Equal(t, cyclic.Cycle[0], cyclic.Cycle[len(cyclic.Cycle)-1])

	assert.Error(t, r.Validate())
}

func TestSelfDependencyIsCycle(t *testing.T) {
	r := New([]module.Descriptor{desc("A", "A")})
	_, err := r.Sort([]string{"A"}, nil)
	assert.True(t, errors.Is(err, moderr.ErrCyclicDependency))
}

func TestResolveLoad(t *testing.T) {
	r := New([]module.Descriptor{
		desc("A"), desc("B"), desc("C"), desc("E", "C"), desc("F", "E", "A"),
	})

	t.Run("dependencies first", func(t *testing.T) {
		order, err := r.ResolveLoad("F", []string{"A", "B"})
		require.NoError(t, err)
		assert.Equal(t, []string{"C", "E", "F"}, order)
	})

	t.Run("active dependencies skipped", func(t *testing.T) {
		order, err := r.ResolveLoad("E", []string{"A", "B", "C"})
		require.NoError(t, err)
		assert.Equal(t, []string{"E"}, order)
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := r.ResolveLoad("A", []string{"A"})
		assert.True(t, errors.Is(err, moderr.ErrDuplicateMod))
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := r.ResolveLoad("X", nil)
		assert.True(t, errors.Is(err, moderr.ErrModNotFound))
	})

	t.Run("missing dependency", func(t *testing.T) {
		broken := New([]module.Descriptor{desc("G", "missing")})
		_, err := broken.ResolveLoad("G", nil)
		assert.True(t, errors.Is(err, moderr.ErrDependencyNotFound))
	})
}

func TestDependents(t *testing.T) {
	r := New([]module.Descriptor{desc("C"), desc("E", "C"), {ID: "F", OptionalDependencyIDs: []string{"C"}}, desc("G")})
	assert.Equal(t, []string{"E", "F"}, r.Dependents("C", []string{"G", "E", "F"}))
	assert.Empty(t, r.Dependents("G", []string{"C", "E"}))
}

func TestNewDeduplicates(t *testing.T) {
	r := New([]module.Descriptor{desc("A", "B", "B"), desc("A", "C"), desc("B"), {}})
	assert.Equal(t, []string{"A", "B"}, r.IDs())
	d, ok := r.Descriptor("A")
	require.True(t, ok)
	assert.Equal(t, []string{"B"}, d.DependencyIDs)
}

func TestSortRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(20)
		descriptors := make([]module.Descriptor, n)
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = fmt.Sprintf("m%02d", i)
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, ids[j])
				}
			}
			descriptors[i] = desc(ids[i], deps...)
		}
		preferred := append([]string(nil), ids...)
		rng.Shuffle(len(preferred), func(i, j int) { preferred[i], preferred[j] = preferred[j], preferred[i] })

		order, err := New(descriptors).Sort(preferred, preferred)
		require.NoError(t, err)
		require.ElementsMatch(t, ids, order)
		for _, d := range descriptors {
			for _, dep := range d.DependencyIDs {
				assert.Less(t, indexOf(order, dep), indexOf(order, d.ID), "round %d: %s before %s", round, dep, d.ID)
			}
		}
	}
}
